package store

import (
	"context"
	"sort"
	"sync"

	"github.com/valifi/fortify/pkg/types"
)

// Memory is a non-persistent store for tests and embedded use. It implements
// the same operations as the pgx-backed Store.
type Memory struct {
	mu      sync.Mutex
	certs   map[string]*types.Certification
	reports map[string][]types.FortificationReport
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		certs:   make(map[string]*types.Certification),
		reports: make(map[string][]types.FortificationReport),
	}
}

// PutCertification stores a certification, replacing any existing one for
// the same agent type.
func (m *Memory) PutCertification(ctx context.Context, cert *types.Certification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *cert
	m.certs[cert.AgentType] = &copied
	return nil
}

// GetCertification returns the certification for an agent type, or
// (nil, nil) when none exists.
func (m *Memory) GetCertification(ctx context.Context, agentType string) (*types.Certification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cert, ok := m.certs[agentType]
	if !ok {
		return nil, nil
	}
	copied := *cert
	return &copied, nil
}

// DeleteCertification removes the certification for an agent type.
func (m *Memory) DeleteCertification(ctx context.Context, agentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.certs, agentType)
	return nil
}

// SaveReport appends a report to the run history.
func (m *Memory) SaveReport(ctx context.Context, report *types.FortificationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.AgentType] = append(m.reports[report.AgentType], *report)
	return nil
}

// ListReports returns the most recent reports for an agent type, newest
// first, up to limit.
func (m *Memory) ListReports(ctx context.Context, agentType string, limit int) ([]types.FortificationReport, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.reports[agentType]
	out := make([]types.FortificationReport, len(history))
	copy(out, history)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
