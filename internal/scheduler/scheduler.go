// Package scheduler manages periodic fortification runs per agent type.
//
// # Design
//
// One goroutine runs per scheduled agent type: an immediate run on
// scheduling, then a ticker at the configured interval until the handle is
// stopped. A failed run is logged and the schedule continues; a single bad
// run must not silently disable future certification checks.
//
// Every schedule is cancellable, both individually via its Handle and
// collectively via StopAll, so certification jobs are torn down cleanly when
// an agent type is retired.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/valifi/fortify/pkg/types"
)

// RunFunc executes one fortification run for an agent type.
type RunFunc func(ctx context.Context, agentType string) (*types.FortificationReport, error)

// Handle controls one scheduled agent type.
type Handle struct {
	AgentType string
	Interval  time.Duration

	stop     func()
	stopOnce sync.Once
	done     chan struct{}
}

// Stop cancels the schedule. Safe to call multiple times. Returns once the
// schedule's goroutine has exited.
func (h *Handle) Stop() {
	h.stopOnce.Do(h.stop)
	<-h.done
}

// Manager owns the set of active schedules.
type Manager struct {
	run    RunFunc
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

// NewManager creates a schedule manager.
func NewManager(run RunFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		run:    run,
		logger: logger.With("component", "scheduler"),
		active: make(map[string]*Handle),
	}
}

// SchedulePeriodic runs the agent type immediately, then every interval,
// until the returned handle is stopped. Only one schedule may exist per
// agent type.
func (m *Manager) SchedulePeriodic(ctx context.Context, agentType string, interval time.Duration) (*Handle, error) {
	if agentType == "" {
		return nil, fmt.Errorf("agent type is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		AgentType: agentType,
		Interval:  interval,
		stop:      cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.active[agentType]; exists {
		m.mu.Unlock()
		cancel()
		close(handle.done)
		return nil, fmt.Errorf("agent type already scheduled: %s", agentType)
	}
	m.active[agentType] = handle
	m.mu.Unlock()

	go m.loop(runCtx, handle)

	m.logger.Info("fortification scheduled",
		"agent_type", agentType,
		"interval", interval)

	return handle, nil
}

// Cancel stops the schedule for an agent type. Returns false when no
// schedule exists.
func (m *Manager) Cancel(agentType string) bool {
	m.mu.Lock()
	handle, ok := m.active[agentType]
	m.mu.Unlock()
	if !ok {
		return false
	}
	handle.Stop()
	return true
}

// Active returns the currently scheduled agent types, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for agentType := range m.active {
		out = append(out, agentType)
	}
	sort.Strings(out)
	return out
}

// StopAll cancels every schedule and waits for the loops to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}

func (m *Manager) loop(ctx context.Context, handle *Handle) {
	defer func() {
		m.mu.Lock()
		delete(m.active, handle.AgentType)
		m.mu.Unlock()
		close(handle.done)
	}()

	// Run immediately on scheduling.
	m.runOnce(ctx, handle.AgentType)

	ticker := time.NewTicker(handle.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("schedule stopped", "agent_type", handle.AgentType)
			return
		case <-ticker.C:
			m.runOnce(ctx, handle.AgentType)
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, agentType string) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	report, err := m.run(ctx, agentType)
	if err != nil {
		// Logged only: the schedule must survive individual run failures.
		m.logger.Error("scheduled fortification failed",
			"agent_type", agentType,
			"elapsed", time.Since(start),
			"error", err)
		return
	}
	m.logger.Info("scheduled fortification complete",
		"agent_type", agentType,
		"overall_score", report.OverallScore,
		"passed", report.Passed,
		"elapsed", time.Since(start))
}
