package probes

import (
	"context"
	"fmt"

	"github.com/valifi/fortify/internal/audit"
	"github.com/valifi/fortify/internal/invoker"
	"github.com/valifi/fortify/internal/validator"
	"github.com/valifi/fortify/pkg/types"
)

// AuditTrailConfig tunes the audit-trail compliance probe.
type AuditTrailConfig struct {
	// Tasks executed before inspecting the trail (default: three benign
	// bookkeeping tasks).
	Tasks []string
}

func (c *AuditTrailConfig) applyDefaults() {
	if len(c.Tasks) == 0 {
		c.Tasks = []string{"health_check", "status_report", "list_capabilities"}
	}
}

// NewAuditTrailProbe returns a compliance probe that exercises the agent and
// verifies its audit trail is present, complete, and chronologically ordered.
func NewAuditTrailProbe(inv invoker.Invoker, reader audit.Reader, cfg AuditTrailConfig) validator.Probe {
	cfg.applyDefaults()

	return func(ctx context.Context, agentType string) (*types.ValidationResult, error) {
		executed := 0
		for _, task := range cfg.Tasks {
			res, err := inv.Execute(ctx, task, agentType)
			if err == nil && res.Succeeded() {
				executed++
			}
		}
		if executed == 0 {
			return &types.ValidationResult{
				Passed:  false,
				Score:   0,
				Details: "no task executions succeeded; audit trail cannot be verified",
			}, nil
		}

		entries, err := reader.GetLogs(ctx, agentType)
		if err != nil {
			return nil, fmt.Errorf("reading audit logs: %w", err)
		}

		var problems []string
		if len(entries) < executed {
			problems = append(problems, fmt.Sprintf("trail has %d entries for %d executions", len(entries), executed))
		}
		for i, entry := range entries {
			if entry.Action == "" {
				problems = append(problems, fmt.Sprintf("entry %s has no action", entry.ID))
			}
			if i > 0 && entry.Timestamp.Before(entries[i-1].Timestamp) {
				problems = append(problems, "entries are not chronologically ordered")
				break
			}
		}

		// Each distinct problem costs a third of the score.
		score := 100 - float64(len(problems))*100/3
		if score < 0 {
			score = 0
		}

		result := &types.ValidationResult{
			Passed: len(problems) == 0,
			Score:  score,
			Details: fmt.Sprintf("%d executions, %d audit entries, %d problems",
				executed, len(entries), len(problems)),
			Metrics: map[string]float64{
				"executions":    float64(executed),
				"audit_entries": float64(len(entries)),
			},
		}
		if len(problems) > 0 {
			result.Details = fmt.Sprintf("%s: %v", result.Details, problems)
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("repair %s audit logging before production use", agentType))
		}
		return result, nil
	}
}
