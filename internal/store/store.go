// Package store provides database access for the fortification pipeline.
//
// # Design
//
// The store uses raw SQL with pgx. The certification table holds exactly one
// row per agent type (overwrite on issue); fortification reports are kept as
// append-only history with the full report as JSONB.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/valifi/fortify/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// CERTIFICATIONS
// =============================================================================

// PutCertification stores a certification, replacing any existing row for
// the same agent type.
func (s *Store) PutCertification(ctx context.Context, cert *types.Certification) error {
	capsJSON, err := json.Marshal(cert.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	limsJSON, err := json.Marshal(cert.Limitations)
	if err != nil {
		return fmt.Errorf("marshaling limitations: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO certifications (id, agent_type, level, score, issue_date, expiry_date, capabilities, limitations, auditor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent_type) DO UPDATE SET
			id = EXCLUDED.id,
			level = EXCLUDED.level,
			score = EXCLUDED.score,
			issue_date = EXCLUDED.issue_date,
			expiry_date = EXCLUDED.expiry_date,
			capabilities = EXCLUDED.capabilities,
			limitations = EXCLUDED.limitations,
			auditor = EXCLUDED.auditor
	`,
		cert.ID, cert.AgentType, cert.Level, cert.Score, cert.IssueDate,
		cert.ExpiryDate, capsJSON, limsJSON, cert.Auditor,
	)
	return err
}

// GetCertification retrieves the certification for an agent type.
// Returns (nil, nil) when no certification exists.
func (s *Store) GetCertification(ctx context.Context, agentType string) (*types.Certification, error) {
	var cert types.Certification
	var capsJSON, limsJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, agent_type, level, score, issue_date, expiry_date, capabilities, limitations, auditor
		FROM certifications WHERE agent_type = $1
	`, agentType).Scan(
		&cert.ID, &cert.AgentType, &cert.Level, &cert.Score, &cert.IssueDate,
		&cert.ExpiryDate, &capsJSON, &limsJSON, &cert.Auditor,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(capsJSON, &cert.Capabilities)
	json.Unmarshal(limsJSON, &cert.Limitations)
	return &cert, nil
}

// DeleteCertification removes the certification for an agent type. Used when
// an agent type is retired; passive expiry handles the normal lifecycle.
func (s *Store) DeleteCertification(ctx context.Context, agentType string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM certifications WHERE agent_type = $1`, agentType)
	return err
}

// =============================================================================
// REPORTS
// =============================================================================

// SaveReport appends a fortification report to the run history.
func (s *Store) SaveReport(ctx context.Context, report *types.FortificationReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fortification_reports (id, agent_type, run_at, overall_score, passed, certification_level, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		report.ID, report.AgentType, report.Timestamp, report.OverallScore,
		report.Passed, report.CertificationLevel, payload,
	)
	return err
}

// ListReports returns the most recent reports for an agent type, newest
// first, up to limit.
func (s *Store) ListReports(ctx context.Context, agentType string, limit int) ([]types.FortificationReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM fortification_reports
		WHERE agent_type = $1
		ORDER BY run_at DESC
		LIMIT $2
	`, agentType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []types.FortificationReport
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var report types.FortificationReport
		if err := json.Unmarshal(payload, &report); err != nil {
			return nil, fmt.Errorf("unmarshaling report: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// GetOperatorTokenHash returns the bcrypt hash of the operator API token, or
// "" when none is configured.
func (s *Store) GetOperatorTokenHash(ctx context.Context) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT token_hash FROM operator_tokens ORDER BY updated_at DESC LIMIT 1
	`).Scan(&hash)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}
