package fortify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/valifi/fortify/internal/validator"
	"github.com/valifi/fortify/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockIssuer records issued certifications.
type mockIssuer struct {
	mu     sync.Mutex
	issued []*types.Certification
	err    error
}

func (m *mockIssuer) Issue(ctx context.Context, report *types.FortificationReport) (*types.Certification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	cert := &types.Certification{
		AgentType: report.AgentType,
		Level:     report.CertificationLevel,
		Score:     report.OverallScore,
	}
	m.issued = append(m.issued, cert)
	return cert, nil
}

func (m *mockIssuer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.issued)
}

// mockRemediator records remediation dispatches.
type mockRemediator struct {
	mu    sync.Mutex
	calls []string // "agentType/validatorID"
}

func (m *mockRemediator) Remediate(ctx context.Context, agentType, validatorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, agentType+"/"+validatorID)
}

func (m *mockRemediator) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// mockRecorder records learning outcomes.
type mockRecorder struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
	skills   []recordedSkill
	err      error
}

type recordedOutcome struct {
	agentType string
	score     float64
	passed    bool
	reward    float64
	stages    int
}

type recordedSkill struct {
	agentType string
	skill     string
	xp        float64
}

func (m *mockRecorder) RecordOutcome(ctx context.Context, agentType string, stages []types.StageExecutionResult, overallScore float64, passed bool, reward float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, recordedOutcome{agentType, overallScore, passed, reward, len(stages)})
	return m.err
}

func (m *mockRecorder) AwardSkill(ctx context.Context, agentType, skill string, xp float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skills = append(m.skills, recordedSkill{agentType, skill, xp})
	return m.err
}

// fixedProbe returns a result with the given score; passed is score >= 100
// irrelevant here since the engine gates on thresholds, not result.Passed.
func fixedProbe(score float64) validator.Probe {
	return func(ctx context.Context, agentType string) (*types.ValidationResult, error) {
		return &types.ValidationResult{Passed: score >= 50, Score: score}, nil
	}
}

func spec(id string, weight, threshold float64) types.ValidatorSpec {
	return types.ValidatorSpec{
		ID:        id,
		Name:      id,
		Category:  types.CategorySecurity,
		Weight:    weight,
		Threshold: threshold,
	}
}

// buildEngine registers one fixed-score probe per spec and assembles an
// engine over the given stages.
func buildEngine(t *testing.T, stages []types.Stage, scores map[string]float64, issuer Issuer, remediator Remediator, recorder Recorder) *Engine {
	t.Helper()
	registry := validator.NewRegistry(5 * time.Second)
	for _, st := range stages {
		for _, v := range st.Validators {
			if err := registry.Register(v, fixedProbe(scores[v.ID])); err != nil {
				t.Fatalf("registering %s: %v", v.ID, err)
			}
		}
	}
	registry.Seal()

	engine, err := New(stages, registry, issuer, remediator, recorder, testLogger())
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	return engine
}

func TestFortifyAllStagesPass(t *testing.T) {
	stages := []types.Stage{
		{ID: "security", Name: "Security", Sequence: 1, Required: true,
			Validators: []types.ValidatorSpec{spec("injection", 1.5, 95)}},
		{ID: "performance", Name: "Performance", Sequence: 2,
			Validators: []types.ValidatorSpec{spec("load", 2, 80)}},
		{ID: "reliability", Name: "Reliability", Sequence: 3, Required: true,
			Validators: []types.ValidatorSpec{spec("errors", 1.5, 90)}},
		{ID: "compliance", Name: "Compliance", Sequence: 4, Required: true,
			Validators: []types.ValidatorSpec{spec("audit", 1, 90)}},
	}
	scores := map[string]float64{"injection": 100, "load": 100, "errors": 100, "audit": 95}

	issuer := &mockIssuer{}
	recorder := &mockRecorder{}
	engine := buildEngine(t, stages, scores, issuer, nil, recorder)

	report, err := engine.Fortify(context.Background(), "guardian_angel")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !report.Passed {
		t.Error("report should pass")
	}
	if len(report.Stages) != 4 {
		t.Fatalf("expected 4 executed stages, got %d", len(report.Stages))
	}
	want := (100.0 + 100 + 100 + 95) / 4
	if report.OverallScore != want {
		t.Errorf("overall score: got %v, want %v", report.OverallScore, want)
	}
	if report.CertificationLevel != types.LevelPlatinum {
		t.Errorf("level: got %s, want platinum", report.CertificationLevel)
	}
	if issuer.count() != 1 {
		t.Errorf("expected 1 issued certification, got %d", issuer.count())
	}
}

func TestStageScoreWeightedByUnequalWeights(t *testing.T) {
	// Four validators with distinct weights: the stage score must be the
	// weighted average, not the plain mean (which would be 98.75 here).
	stages := []types.Stage{
		{ID: "hardening", Name: "Hardening", Sequence: 1, Required: true,
			Validators: []types.ValidatorSpec{
				spec("injection", 1.5, 95),
				spec("sandboxing", 2, 100),
				spec("secret_handling", 1.5, 100),
				spec("audit_logging", 1, 90),
			}},
	}
	scores := map[string]float64{
		"injection": 100, "sandboxing": 100, "secret_handling": 100, "audit_logging": 95,
	}

	issuer := &mockIssuer{}
	engine := buildEngine(t, stages, scores, issuer, nil, nil)

	report, err := engine.Fortify(context.Background(), "guardian_angel")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := (100*1.5 + 100*2 + 100*1.5 + 95*1) / (1.5 + 2 + 1.5 + 1) // 99.166...
	if got := report.Stages[0].Score; math.Abs(got-want) > 1e-9 {
		t.Errorf("stage score: got %v, want %v", got, want)
	}
	if report.OverallScore != report.Stages[0].Score {
		t.Errorf("overall score of a single-stage run should equal the stage score, got %v", report.OverallScore)
	}
	if !report.Passed {
		t.Error("every validator cleared its threshold, run should pass")
	}
	if report.CertificationLevel != types.LevelPlatinum {
		t.Errorf("level: got %s, want platinum", report.CertificationLevel)
	}
	if issuer.count() != 1 {
		t.Errorf("expected 1 issued certification, got %d", issuer.count())
	}
}

func TestWeightsExcludedFromPassDecision(t *testing.T) {
	// Weighted stage score is 90, well above every configured threshold
	// average, but one validator misses its own threshold so the stage fails.
	stages := []types.Stage{
		{ID: "security", Name: "Security", Sequence: 1, Required: true,
			Validators: []types.ValidatorSpec{
				spec("weak", 1, 85),
				spec("strong_a", 1, 0),
				spec("strong_b", 1, 0),
			}},
		{ID: "performance", Name: "Performance", Sequence: 2,
			Validators: []types.ValidatorSpec{spec("load", 1, 0)}},
	}
	scores := map[string]float64{"weak": 70, "strong_a": 100, "strong_b": 100, "load": 100}

	issuer := &mockIssuer{}
	engine := buildEngine(t, stages, scores, issuer, nil, nil)

	report, err := engine.Fortify(context.Background(), "trader")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Passed {
		t.Error("report must fail when any validator misses its threshold")
	}
	if len(report.Stages) != 1 {
		t.Fatalf("pipeline should halt at the failed required stage, got %d stages", len(report.Stages))
	}
	if got := report.Stages[0].Score; got != 90 {
		t.Errorf("stage score should still be the weighted average 90, got %v", got)
	}
	if report.Stages[0].Passed {
		t.Error("stage should be marked failed")
	}
	if issuer.count() != 0 {
		t.Error("no certification may be issued for a failed run")
	}
}

func TestHaltsAtFirstRequiredFailure(t *testing.T) {
	var laterRuns int32
	registry := validator.NewRegistry(5 * time.Second)
	stages := []types.Stage{
		{ID: "first", Name: "First", Sequence: 1,
			Validators: []types.ValidatorSpec{spec("ok", 1, 50)}},
		{ID: "second", Name: "Second", Sequence: 2, Required: true,
			Validators: []types.ValidatorSpec{spec("failing", 1, 90)}},
		{ID: "third", Name: "Third", Sequence: 3,
			Validators: []types.ValidatorSpec{spec("never", 1, 0)}},
	}
	registry.Register(spec("ok", 1, 50), fixedProbe(100))
	registry.Register(spec("failing", 1, 90), fixedProbe(10))
	registry.Register(spec("never", 1, 0), func(ctx context.Context, agentType string) (*types.ValidationResult, error) {
		laterRuns++
		return &types.ValidationResult{Passed: true, Score: 100}, nil
	})
	registry.Seal()

	engine, err := New(stages, registry, &mockIssuer{}, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	report, err := engine.Fortify(context.Background(), "oracle")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Stages) != 2 {
		t.Fatalf("expected 2 executed stages, got %d", len(report.Stages))
	}
	if laterRuns != 0 {
		t.Error("validators after a failed required stage must not run")
	}
	if report.Passed {
		t.Error("halted run must not pass")
	}
	// Overall score is the mean over executed stages only.
	if want := (100.0 + 10) / 2; report.OverallScore != want {
		t.Errorf("overall score: got %v, want %v", report.OverallScore, want)
	}
}

func TestOptionalStageFailureContinues(t *testing.T) {
	stages := []types.Stage{
		{ID: "security", Name: "Security", Sequence: 1, Required: true,
			Validators: []types.ValidatorSpec{spec("injection", 1, 50)}},
		{ID: "performance", Name: "Performance", Sequence: 2,
			Validators: []types.ValidatorSpec{spec("load", 1, 95)}},
		{ID: "reliability", Name: "Reliability", Sequence: 3, Required: true,
			Validators: []types.ValidatorSpec{spec("errors", 1, 50)}},
	}
	scores := map[string]float64{"injection": 100, "load": 70, "errors": 100}

	issuer := &mockIssuer{}
	engine := buildEngine(t, stages, scores, issuer, nil, nil)

	report, err := engine.Fortify(context.Background(), "analyst")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Stages) != 3 {
		t.Fatalf("optional failure must not halt the pipeline, got %d stages", len(report.Stages))
	}
	// Mean of 100, 70, 100 is 90: above the passing bar, and all required
	// stages passed, so the run passes despite the failed optional stage.
	if !report.Passed {
		t.Error("run should pass when only an optional stage failed and the overall score clears the bar")
	}
	if report.CertificationLevel != types.LevelGold {
		t.Errorf("level: got %s, want gold", report.CertificationLevel)
	}
}

func TestOverallScoreBelowBarFails(t *testing.T) {
	stages := []types.Stage{
		{ID: "security", Name: "Security", Sequence: 1, Required: true,
			Validators: []types.ValidatorSpec{spec("injection", 1, 50)}},
		{ID: "performance", Name: "Performance", Sequence: 2,
			Validators: []types.ValidatorSpec{spec("load", 1, 10)}},
	}
	// Both stages pass their thresholds, but the mean is 65.
	scores := map[string]float64{"injection": 100, "load": 30}

	issuer := &mockIssuer{}
	engine := buildEngine(t, stages, scores, issuer, nil, nil)

	report, err := engine.Fortify(context.Background(), "scout")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Passed {
		t.Error("run must fail when overall score is below the passing bar")
	}
	if issuer.count() != 0 {
		t.Error("no certification for a sub-bar run")
	}
}

func TestProbeErrorScoredZeroSiblingsUnaffected(t *testing.T) {
	registry := validator.NewRegistry(5 * time.Second)
	stages := []types.Stage{
		{ID: "security", Name: "Security", Sequence: 1,
			Validators: []types.ValidatorSpec{
				spec("broken", 1, 50),
				spec("healthy", 1, 50),
			}},
	}
	registry.Register(spec("broken", 1, 50), func(ctx context.Context, agentType string) (*types.ValidationResult, error) {
		return nil, fmt.Errorf("runtime unreachable")
	})
	registry.Register(spec("healthy", 1, 50), fixedProbe(100))
	registry.Seal()

	engine, err := New(stages, registry, &mockIssuer{}, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	report, err := engine.Fortify(context.Background(), "scout")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st := report.Stages[0]
	if st.Validations[0].Result.Score != 0 {
		t.Errorf("errored probe should score 0, got %v", st.Validations[0].Result.Score)
	}
	if st.Validations[1].Result.Score != 100 {
		t.Errorf("sibling probe should be unaffected, got %v", st.Validations[1].Result.Score)
	}
	if st.Score != 50 {
		t.Errorf("stage score: got %v, want 50", st.Score)
	}
}

func TestIssuanceFailurePropagates(t *testing.T) {
	stages := []types.Stage{
		{ID: "security", Name: "Security", Sequence: 1, Required: true,
			Validators: []types.ValidatorSpec{spec("injection", 1, 50)}},
	}
	issuer := &mockIssuer{err: fmt.Errorf("database down")}
	recorder := &mockRecorder{}
	engine := buildEngine(t, stages, map[string]float64{"injection": 100}, issuer, nil, recorder)

	report, err := engine.Fortify(context.Background(), "guardian_angel")
	if err == nil {
		t.Fatal("expected issuance failure to propagate")
	}
	if report != nil {
		t.Error("no report on issuance failure")
	}

	// The outcome is still recorded even when issuance failed.
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.outcomes) != 1 {
		t.Errorf("expected 1 recorded outcome, got %d", len(recorder.outcomes))
	}
}

func TestRemediationDispatchedForBelowThresholdOnly(t *testing.T) {
	stages := []types.Stage{
		{ID: "performance", Name: "Performance", Sequence: 1, AutoRemediate: true,
			Validators: []types.ValidatorSpec{
				spec("load", 1, 80),
				spec("resources", 1, 70),
			}},
	}
	scores := map[string]float64{"load": 40, "resources": 90}

	remediator := &mockRemediator{}
	engine := buildEngine(t, stages, scores, &mockIssuer{}, remediator, nil)

	if _, err := engine.Fortify(context.Background(), "trader"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Dispatch is fire-and-forget on a separate goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls := remediator.snapshot()
		if len(calls) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	calls := remediator.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 remediation dispatch, got %d: %v", len(calls), calls)
	}
	if calls[0] != "trader/load" {
		t.Errorf("remediation dispatched for wrong validator: %s", calls[0])
	}
}

func TestNoRemediationWithoutAutoRemediate(t *testing.T) {
	stages := []types.Stage{
		{ID: "security", Name: "Security", Sequence: 1,
			Validators: []types.ValidatorSpec{spec("injection", 1, 95)}},
	}
	remediator := &mockRemediator{}
	engine := buildEngine(t, stages, map[string]float64{"injection": 10}, &mockIssuer{}, remediator, nil)

	if _, err := engine.Fortify(context.Background(), "trader"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if calls := remediator.snapshot(); len(calls) != 0 {
		t.Errorf("no remediation expected, got %v", calls)
	}
}

func TestRecorderCalledOnEveryRun(t *testing.T) {
	stages := []types.Stage{
		{ID: "security", Name: "Security", Sequence: 1, Required: true,
			Validators: []types.ValidatorSpec{spec("injection", 1, 50)}},
	}

	t.Run("passing run", func(t *testing.T) {
		recorder := &mockRecorder{}
		engine := buildEngine(t, stages, map[string]float64{"injection": 90}, &mockIssuer{}, nil, recorder)
		if _, err := engine.Fortify(context.Background(), "guardian_angel"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		if len(recorder.outcomes) != 1 {
			t.Fatalf("expected 1 outcome, got %d", len(recorder.outcomes))
		}
		out := recorder.outcomes[0]
		if !out.passed || out.score != 90 {
			t.Errorf("outcome: got passed=%v score=%v", out.passed, out.score)
		}
		if out.reward != 0.9 {
			t.Errorf("reward for a passing run is score/100: got %v", out.reward)
		}
		if len(recorder.skills) != 1 || recorder.skills[0].skill != "fortification" || recorder.skills[0].xp != 90 {
			t.Errorf("skill award: got %+v", recorder.skills)
		}
	})

	t.Run("failing run", func(t *testing.T) {
		recorder := &mockRecorder{}
		engine := buildEngine(t, stages, map[string]float64{"injection": 10}, &mockIssuer{}, nil, recorder)
		if _, err := engine.Fortify(context.Background(), "guardian_angel"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		if len(recorder.outcomes) != 1 {
			t.Fatalf("expected 1 outcome, got %d", len(recorder.outcomes))
		}
		if recorder.outcomes[0].reward != -0.1 {
			t.Errorf("reward for a failing run is -0.1: got %v", recorder.outcomes[0].reward)
		}
	})

	t.Run("recorder failure is swallowed", func(t *testing.T) {
		recorder := &mockRecorder{err: fmt.Errorf("learning service down")}
		engine := buildEngine(t, stages, map[string]float64{"injection": 90}, &mockIssuer{}, nil, recorder)
		if _, err := engine.Fortify(context.Background(), "guardian_angel"); err != nil {
			t.Errorf("recorder errors must not fail the run: %v", err)
		}
	})
}

func TestSameAgentTypeRunsSerialized(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	registry := validator.NewRegistry(5 * time.Second)
	slow := spec("slow", 1, 0)
	registry.Register(slow, func(ctx context.Context, agentType string) (*types.ValidationResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return &types.ValidationResult{Passed: true, Score: 100}, nil
	})
	registry.Seal()

	stages := []types.Stage{
		{ID: "only", Name: "Only", Sequence: 1,
			Validators: []types.ValidatorSpec{slow}},
	}
	engine, err := New(stages, registry, &mockIssuer{}, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Fortify(context.Background(), "guardian_angel")
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("runs for the same agent type must be serialized, saw %d concurrent", maxInFlight)
	}
}

func TestNewRejectsBadRegistries(t *testing.T) {
	registry := validator.NewRegistry(time.Second)
	registry.Register(spec("a", 1, 50), fixedProbe(100))
	registry.Seal()

	good := types.Stage{ID: "s1", Name: "S1", Sequence: 1,
		Validators: []types.ValidatorSpec{spec("a", 1, 50)}}

	if _, err := New(nil, registry, &mockIssuer{}, nil, nil, testLogger()); err == nil {
		t.Error("empty stage list should be rejected")
	}

	unregistered := types.Stage{ID: "s2", Name: "S2", Sequence: 2,
		Validators: []types.ValidatorSpec{spec("missing", 1, 50)}}
	if _, err := New([]types.Stage{good, unregistered}, registry, &mockIssuer{}, nil, nil, testLogger()); err == nil {
		t.Error("unregistered validator reference should be rejected")
	}

	dup := good
	dup.ID = "s3"
	if _, err := New([]types.Stage{good, dup}, registry, &mockIssuer{}, nil, nil, testLogger()); err == nil {
		t.Error("duplicate sequence should be rejected")
	}
}
