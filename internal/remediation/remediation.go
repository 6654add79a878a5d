// Package remediation maps failed validators to best-effort corrective
// actions.
//
// Remediation is fire-and-forget: the engine dispatches an action when an
// auto-remediating stage fails and moves on. An action never re-runs the
// validator it targets; any fix it applies is observable only on the next
// fortification run. Action failures and panics are logged and contained
// here, never surfaced to the caller of Fortify.
package remediation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Action is a corrective step for one failed validator.
type Action func(ctx context.Context, agentType string) error

// DefaultActionTimeout bounds a single remediation action.
const DefaultActionTimeout = 2 * time.Minute

// Policy dispatches corrective actions keyed by validator ID.
type Policy struct {
	mu      sync.RWMutex
	actions map[string]Action
	timeout time.Duration
	logger  *slog.Logger
}

// NewPolicy creates an empty policy. A zero timeout selects
// DefaultActionTimeout.
func NewPolicy(timeout time.Duration, logger *slog.Logger) *Policy {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		actions: make(map[string]Action),
		timeout: timeout,
		logger:  logger.With("component", "remediation"),
	}
}

// Register binds an action to a validator ID, replacing any previous one.
func (p *Policy) Register(validatorID string, action Action) {
	p.mu.Lock()
	p.actions[validatorID] = action
	p.mu.Unlock()
}

// Remediate runs the action bound to the validator, if any. An unknown
// validator ID is a no-op. Errors and panics are logged and swallowed.
func (p *Policy) Remediate(ctx context.Context, agentType, validatorID string) {
	p.mu.RLock()
	action, ok := p.actions[validatorID]
	p.mu.RUnlock()

	if !ok {
		p.logger.Debug("no remediation action registered",
			"agent_type", agentType,
			"validator", validatorID)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("remediation action panicked",
				"agent_type", agentType,
				"validator", validatorID,
				"panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	if err := action(ctx, agentType); err != nil {
		p.logger.Warn("remediation action failed",
			"agent_type", agentType,
			"validator", validatorID,
			"elapsed", time.Since(start),
			"error", err)
		return
	}

	p.logger.Info("remediation action complete",
		"agent_type", agentType,
		"validator", validatorID,
		"elapsed", time.Since(start))
}
