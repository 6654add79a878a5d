// Package validator defines the probe contract and the validator registry.
//
// # Design Principles
//
// 1. Explicit context: Probes are plain functions taking everything they need
//    as parameters; no bound closures over shared mutable state
// 2. Isolation: A probe error, panic, or timeout is converted into a failed
//    result and never affects sibling probes
// 3. Immutability: Validators are registered once at startup; the registry is
//    read-only afterwards and safe for unlimited concurrent reads
//
// # Adding New Probes
//
// To add a new probe type:
//
//  1. Implement the Probe function signature (see internal/probes for examples)
//  2. Pair it with a ValidatorSpec (id, category, weight, threshold)
//  3. Register it before the engine starts
package validator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valifi/fortify/pkg/types"
)

// Probe exercises an agent type and returns a validation result.
//
// Probes must be safe to invoke concurrently with sibling probes against the
// same agent type. Expected failure modes should be reported via a result
// with Passed=false rather than an error; errors are scored as zero.
type Probe func(ctx context.Context, agentType string) (*types.ValidationResult, error)

// Validator pairs a spec with its probe. Immutable once registered.
type Validator struct {
	Spec  types.ValidatorSpec
	Probe Probe
}

// DefaultProbeTimeout bounds a single probe invocation when the registry has
// no explicit timeout configured.
const DefaultProbeTimeout = 60 * time.Second

// Registry holds the validators available to the pipeline, keyed by ID.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	timeout    time.Duration
	sealed     bool
}

// NewRegistry creates an empty registry with the given per-probe timeout.
// A zero timeout selects DefaultProbeTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Registry{
		validators: make(map[string]Validator),
		timeout:    timeout,
	}
}

// Register adds a validator. Returns an error for invalid specs, duplicate
// IDs, nil probes, or registration after Seal.
func (r *Registry) Register(spec types.ValidatorSpec, probe Probe) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if probe == nil {
		return fmt.Errorf("validator %s: probe is required", spec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed: cannot register %s", spec.ID)
	}
	if _, exists := r.validators[spec.ID]; exists {
		return fmt.Errorf("validator already registered: %s", spec.ID)
	}
	r.validators[spec.ID] = Validator{Spec: spec, Probe: probe}
	return nil
}

// Seal marks configuration as complete. Further Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get returns a validator by ID.
func (r *Registry) Get(id string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[id]
	return v, ok
}

// List returns all registered validator IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.validators))
	for id := range r.validators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run invokes the probe for the given validator with the registry's timeout
// applied. Errors, panics, and timeouts are converted into a failed result
// with score zero so one misbehaving probe cannot poison a stage.
func (r *Registry) Run(ctx context.Context, id string, agentType string) types.ValidationResult {
	v, ok := r.Get(id)
	if !ok {
		return types.ValidationResult{
			Passed:  false,
			Score:   0,
			Details: fmt.Sprintf("validator not registered: %s", id),
		}
	}
	return RunProbe(ctx, v.Probe, agentType, r.timeout)
}

// RunProbe executes a probe with a timeout, converting every failure mode
// into a scored result. The probe runs on its own goroutine: one that
// ignores its context is abandoned at the deadline instead of blocking the
// stage.
func RunProbe(ctx context.Context, probe Probe, agentType string, timeout time.Duration) types.ValidationResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned probe can still deliver and exit.
	done := make(chan types.ValidationResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- types.ValidationResult{
					Passed:  false,
					Score:   0,
					Details: fmt.Sprintf("probe panicked: %v", rec),
				}
			}
		}()

		res, err := probe(ctx, agentType)
		if err != nil {
			detail := err.Error()
			if ctx.Err() == context.DeadlineExceeded {
				detail = fmt.Sprintf("timed out after %s", timeout)
			}
			done <- types.ValidationResult{Passed: false, Score: 0, Details: detail}
			return
		}
		if res == nil {
			done <- types.ValidationResult{Passed: false, Score: 0, Details: "probe returned no result"}
			return
		}
		done <- *res
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		detail := fmt.Sprintf("timed out after %s", timeout)
		if ctx.Err() == context.Canceled {
			detail = "run cancelled"
		}
		return types.ValidationResult{Passed: false, Score: 0, Details: detail}
	}
}
