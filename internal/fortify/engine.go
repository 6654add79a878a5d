// Package fortify implements the staged fortification engine.
//
// # Design
//
// The engine walks an ordered stage registry against one agent type:
//   - Stages run strictly sequentially in ascending sequence order
//   - Validators within a stage run concurrently; a probe failure is scored
//     as zero and never cancels its siblings
//   - Execution halts permanently at the first required stage that fails;
//     later stages are absent from the report
//   - A failed stage with auto-remediation dispatches best-effort corrective
//     actions for each below-threshold validator, fire-and-forget
//
// A report is produced for every run, halted or not. Certification is issued
// only when the pass invariant holds, and every outcome is forwarded to the
// learning recorder, win or lose.
package fortify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valifi/fortify/internal/validator"
	"github.com/valifi/fortify/pkg/types"
)

// Issuer converts a passing report into a stored certification.
type Issuer interface {
	// Issue persists a certification derived from the report, overwriting
	// any previous certification for the agent type. A storage failure is a
	// hard error: a passed report without a stored certification is an
	// inconsistent state the caller must retry.
	Issue(ctx context.Context, report *types.FortificationReport) (*types.Certification, error)
}

// Remediator dispatches a best-effort corrective action for a failed
// validator. Implementations must never propagate failures to the engine.
type Remediator interface {
	Remediate(ctx context.Context, agentType, validatorID string)
}

// Recorder receives every fortification outcome for skill progression.
type Recorder interface {
	RecordOutcome(ctx context.Context, agentType string, stages []types.StageExecutionResult, overallScore float64, passed bool, reward float64) error
	AwardSkill(ctx context.Context, agentType, skill string, xp float64) error
}

// Engine runs the fortification pipeline.
type Engine struct {
	stages     []types.Stage // sorted by Sequence, immutable after New
	registry   *validator.Registry
	issuer     Issuer
	remediator Remediator
	recorder   Recorder
	logger     *slog.Logger

	// Per-agent-type run serialization. Concurrent Fortify calls for the
	// same agent type would race on the single certification slot; calls
	// for different agent types stay fully independent.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an engine over the given stage registry.
//
// Stages are validated and sorted by sequence; sequences must be unique and
// every referenced validator must exist in the registry.
func New(stages []types.Stage, registry *validator.Registry, issuer Issuer, remediator Remediator, recorder Recorder, logger *slog.Logger) (*Engine, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("validator registry is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("issuer is required")
	}

	sorted := make([]types.Stage, len(stages))
	copy(sorted, stages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	seen := make(map[int]string, len(sorted))
	for _, st := range sorted {
		if err := st.Validate(); err != nil {
			return nil, err
		}
		if other, dup := seen[st.Sequence]; dup {
			return nil, fmt.Errorf("stages %s and %s share sequence %d", other, st.ID, st.Sequence)
		}
		seen[st.Sequence] = st.ID
		for _, v := range st.Validators {
			if _, ok := registry.Get(v.ID); !ok {
				return nil, fmt.Errorf("stage %s references unregistered validator %s", st.ID, v.ID)
			}
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		stages:     sorted,
		registry:   registry,
		issuer:     issuer,
		remediator: remediator,
		recorder:   recorder,
		logger:     logger.With("component", "fortify_engine"),
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// Stages returns the ordered stage registry.
func (e *Engine) Stages() []types.Stage {
	out := make([]types.Stage, len(e.stages))
	copy(out, e.stages)
	return out
}

// Fortify runs the full pipeline against one agent type and returns the
// report. Runs for the same agent type are serialized; runs for different
// agent types proceed concurrently.
//
// The returned error is non-nil only for certification issuance failures;
// validator failures and halted runs produce a report with Passed=false.
func (e *Engine) Fortify(ctx context.Context, agentType string) (*types.FortificationReport, error) {
	if agentType == "" {
		return nil, fmt.Errorf("agent type is required")
	}

	lock := e.agentLock(agentType)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	e.logger.Info("starting fortification",
		"agent_type", agentType,
		"stages", len(e.stages))

	report := &types.FortificationReport{
		ID:        uuid.New().String(),
		AgentType: agentType,
		Timestamp: start,
	}

	requiredFailed := false
	for _, stage := range e.stages {
		result := e.executeStage(ctx, stage, agentType)
		report.Stages = append(report.Stages, result)
		collectRecommendations(report, result)

		if result.Passed {
			continue
		}

		e.logger.Warn("stage failed",
			"agent_type", agentType,
			"stage", stage.Name,
			"score", result.Score,
			"required", stage.Required)

		if stage.AutoRemediate {
			e.dispatchRemediation(ctx, stage, result, agentType)
		}
		if stage.Required {
			requiredFailed = true
			break
		}
	}

	report.OverallScore = overallScore(report.Stages)
	report.Passed = !requiredFailed &&
		len(report.Stages) == len(e.stages) &&
		allRequiredPassed(e.stages, report.Stages) &&
		report.OverallScore >= types.PassingScore

	var issueErr error
	if report.Passed {
		report.CertificationLevel = types.LevelForScore(report.OverallScore)
		if _, err := e.issuer.Issue(ctx, report); err != nil {
			issueErr = fmt.Errorf("issuing certification for %s: %w", agentType, err)
		}
	}

	e.recordOutcome(ctx, report)

	e.logger.Info("fortification complete",
		"agent_type", agentType,
		"overall_score", report.OverallScore,
		"passed", report.Passed,
		"level", string(report.CertificationLevel),
		"stages_executed", len(report.Stages),
		"elapsed", time.Since(start))

	if issueErr != nil {
		return nil, issueErr
	}
	return report, nil
}

// executeStage runs every validator in the stage concurrently and scores
// the stage. All validators are collected, including ones that failed or
// timed out, before the stage outcome is decided.
func (e *Engine) executeStage(ctx context.Context, stage types.Stage, agentType string) types.StageExecutionResult {
	e.logger.Debug("executing stage",
		"agent_type", agentType,
		"stage", stage.Name,
		"validators", len(stage.Validators))

	results := make([]types.ValidationResult, len(stage.Validators))

	var wg sync.WaitGroup
	for i, spec := range stage.Validators {
		wg.Add(1)
		go func(i int, spec types.ValidatorSpec) {
			defer wg.Done()
			results[i] = e.registry.Run(ctx, spec.ID, agentType)
		}(i, spec)
	}
	wg.Wait()

	var weightedSum, weightTotal float64
	passed := true
	records := make([]types.ValidationRecord, len(stage.Validators))
	for i, spec := range stage.Validators {
		res := results[i]
		weightedSum += res.Score * spec.Weight
		weightTotal += spec.Weight
		// Pass gating uses the raw per-validator threshold; weight only
		// shapes the informational stage score.
		if res.Score < spec.Threshold {
			passed = false
		}
		records[i] = types.ValidationRecord{
			ValidatorID:   spec.ID,
			ValidatorName: spec.Name,
			Result:        res,
		}
	}

	score := 0.0
	if weightTotal > 0 {
		score = weightedSum / weightTotal
	}

	return types.StageExecutionResult{
		StageID:     stage.ID,
		StageName:   stage.Name,
		Score:       score,
		Passed:      passed,
		Validations: records,
	}
}

// dispatchRemediation fires corrective actions for every validator in the
// stage that scored below its threshold. Remediation never re-runs the
// validator or alters the current run's scores; its effect is only
// observable on a subsequent Fortify call.
func (e *Engine) dispatchRemediation(ctx context.Context, stage types.Stage, result types.StageExecutionResult, agentType string) {
	if e.remediator == nil {
		return
	}
	for i, spec := range stage.Validators {
		if result.Validations[i].Result.Score >= spec.Threshold {
			continue
		}
		e.logger.Info("dispatching remediation",
			"agent_type", agentType,
			"stage", stage.Name,
			"validator", spec.ID)
		go e.remediator.Remediate(context.WithoutCancel(ctx), agentType, spec.ID)
	}
}

// recordOutcome forwards the run result to the learning recorder. Recorder
// failures are logged, never propagated; losing a learning sample must not
// invalidate an otherwise successful run.
func (e *Engine) recordOutcome(ctx context.Context, report *types.FortificationReport) {
	if e.recorder == nil {
		return
	}

	reward := -0.1
	if report.Passed {
		reward = report.OverallScore / 100
	}

	if err := e.recorder.RecordOutcome(ctx, report.AgentType, report.Stages, report.OverallScore, report.Passed, reward); err != nil {
		e.logger.Warn("failed to record fortification outcome",
			"agent_type", report.AgentType,
			"error", err)
	}
	if err := e.recorder.AwardSkill(ctx, report.AgentType, "fortification", report.OverallScore); err != nil {
		e.logger.Warn("failed to award fortification skill",
			"agent_type", report.AgentType,
			"error", err)
	}
}

// agentLock returns the serialization lock for one agent type.
func (e *Engine) agentLock(agentType string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[agentType]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[agentType] = lock
	}
	return lock
}

// overallScore is the arithmetic mean of executed stage scores.
func overallScore(stages []types.StageExecutionResult) float64 {
	if len(stages) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range stages {
		sum += s.Score
	}
	return sum / float64(len(stages))
}

// allRequiredPassed reports whether every required stage in the registry
// appears in the executed results with Passed=true.
func allRequiredPassed(registry []types.Stage, executed []types.StageExecutionResult) bool {
	byID := make(map[string]types.StageExecutionResult, len(executed))
	for _, s := range executed {
		byID[s.StageID] = s
	}
	for _, st := range registry {
		if !st.Required {
			continue
		}
		res, ok := byID[st.ID]
		if !ok || !res.Passed {
			return false
		}
	}
	return true
}

// collectRecommendations appends every recommendation carried by the stage's
// validator results, regardless of whether the validator passed.
func collectRecommendations(report *types.FortificationReport, result types.StageExecutionResult) {
	for _, rec := range result.Validations {
		report.Recommendations = append(report.Recommendations, rec.Result.Recommendations...)
	}
}
