// Package audit provides read access to agent audit trails.
//
// Compliance probes use the reader to verify that an agent's activity leaves
// a complete, ordered audit trail. The pipeline only reads; audit writes
// belong to the agent runtime.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LogEntry is one recorded agent action.
type LogEntry struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Reader retrieves audit log entries for an agent.
type Reader interface {
	GetLogs(ctx context.Context, agentID string) ([]LogEntry, error)
}

// PGReader reads audit logs from the platform database.
type PGReader struct {
	pool *pgxpool.Pool
}

// NewPGReader creates a reader over the given connection pool.
func NewPGReader(pool *pgxpool.Pool) *PGReader {
	return &PGReader{pool: pool}
}

// GetLogs returns the agent's audit entries in chronological order.
func (r *PGReader) GetLogs(ctx context.Context, agentID string) ([]LogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, agent_id, action, actor, occurred_at, details
		FROM agent_audit_logs
		WHERE agent_id = $1
		ORDER BY occurred_at ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var detailsJSON []byte
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.Action, &entry.Actor,
			&entry.Timestamp, &detailsJSON); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			json.Unmarshal(detailsJSON, &entry.Details)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
