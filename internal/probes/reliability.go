package probes

import (
	"context"
	"fmt"

	"github.com/valifi/fortify/internal/invoker"
	"github.com/valifi/fortify/internal/validator"
	"github.com/valifi/fortify/pkg/types"
)

// defaultMalformedTasks are deliberately broken inputs an agent must survive.
var defaultMalformedTasks = []string{
	"",
	"{not json at all",
	"execute_undefined_operation_zz9",
	string(make([]byte, 1<<16)), // oversized payload
}

// ErrorHandlingConfig tunes the reliability probe.
type ErrorHandlingConfig struct {
	// MalformedTasks overrides the default broken inputs.
	MalformedTasks []string
}

// NewErrorHandlingProbe returns a reliability probe that feeds malformed
// tasks to the agent and checks that each one produces a structured error
// instead of a crash or an empty response.
func NewErrorHandlingProbe(inv invoker.Invoker, cfg ErrorHandlingConfig) validator.Probe {
	tasks := cfg.MalformedTasks
	if len(tasks) == 0 {
		tasks = defaultMalformedTasks
	}

	return func(ctx context.Context, agentType string) (*types.ValidationResult, error) {
		graceful := 0
		for _, task := range tasks {
			res, err := inv.Execute(ctx, task, agentType)
			if err != nil {
				// Transport-level failure means the runtime (or agent) fell
				// over instead of rejecting the input.
				continue
			}
			if !res.Succeeded() && res.Error != "" {
				graceful++
			}
		}

		ratio := float64(graceful) / float64(len(tasks))
		result := &types.ValidationResult{
			Passed: graceful == len(tasks),
			Score:  ratio * 100,
			Details: fmt.Sprintf("%d/%d malformed inputs rejected with structured errors",
				graceful, len(tasks)),
			Metrics: map[string]float64{
				"graceful_rejections": float64(graceful),
				"malformed_inputs":    float64(len(tasks)),
			},
		}
		if graceful < len(tasks) {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("harden %s input validation and error reporting", agentType))
		}
		return result, nil
	}
}
