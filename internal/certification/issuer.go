// Package certification issues and resolves agent-type certifications.
//
// # Design
//
// Persistence sits behind the Store interface so the issuer works the same
// over the pgx-backed store and the in-memory store. At most one
// certification exists per agent type; issuing overwrites unconditionally.
// Expiry is passive: a certification is valid iff now < expiry, and validity
// is re-earned only by a new passing run.
package certification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/valifi/fortify/pkg/types"
)

// Auditor is the fixed identity recorded on every issued certification.
const Auditor = "valifi-fortification-engine"

// Store defines the persistence operations for certifications.
type Store interface {
	// PutCertification stores the certification, replacing any existing
	// certification for the same agent type.
	PutCertification(ctx context.Context, cert *types.Certification) error

	// GetCertification returns the certification for the agent type, or
	// (nil, nil) when none exists.
	GetCertification(ctx context.Context, agentType string) (*types.Certification, error)
}

// Cache is an optional read-through cache in front of the store.
type Cache interface {
	GetCertification(ctx context.Context, agentType string) (*types.Certification, bool, error)
	SetCertification(ctx context.Context, cert *types.Certification) error
	Invalidate(ctx context.Context, agentType string) error
}

// Issuer converts passing reports into certifications and answers validity
// queries.
type Issuer struct {
	store  Store
	cache  Cache // may be nil
	logger *slog.Logger
}

// NewIssuer creates an issuer over the given store. cache may be nil.
func NewIssuer(store Store, cache Cache, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		store:  store,
		cache:  cache,
		logger: logger.With("component", "certification_issuer"),
	}
}

// Issue derives a certification from a passing report and persists it,
// overwriting any previous certification for the agent type. The caller is
// responsible for only issuing on passing reports; a storage failure is
// returned as a hard error.
func (i *Issuer) Issue(ctx context.Context, report *types.FortificationReport) (*types.Certification, error) {
	level := report.CertificationLevel
	if level == "" {
		level = types.LevelForScore(report.OverallScore)
	}

	var capabilities []string
	for _, stage := range report.Stages {
		if stage.Passed {
			capabilities = append(capabilities, stage.StageName)
		}
	}

	now := report.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	cert := &types.Certification{
		ID:           uuid.New().String(),
		AgentType:    report.AgentType,
		Level:        level,
		Score:        report.OverallScore,
		IssueDate:    now,
		ExpiryDate:   now.Add(types.CertificationValidity),
		Capabilities: capabilities,
		Limitations:  report.Recommendations,
		Auditor:      Auditor,
	}

	if err := i.store.PutCertification(ctx, cert); err != nil {
		return nil, fmt.Errorf("storing certification: %w", err)
	}

	if i.cache != nil {
		if err := i.cache.SetCertification(ctx, cert); err != nil {
			// Stale cache entries expire on their own TTL; invalidate so the
			// next read falls through to the store.
			i.logger.Warn("failed to cache certification",
				"agent_type", cert.AgentType, "error", err)
			if err := i.cache.Invalidate(ctx, cert.AgentType); err != nil {
				i.logger.Warn("failed to invalidate certification cache",
					"agent_type", cert.AgentType, "error", err)
			}
		}
	}

	i.logger.Info("certification issued",
		"agent_type", cert.AgentType,
		"level", string(cert.Level),
		"score", cert.Score,
		"expires", cert.ExpiryDate)

	return cert, nil
}

// Get returns the current certification for the agent type, or (nil, nil)
// when none exists.
func (i *Issuer) Get(ctx context.Context, agentType string) (*types.Certification, error) {
	if i.cache != nil {
		cert, hit, err := i.cache.GetCertification(ctx, agentType)
		if err != nil {
			i.logger.Warn("certification cache read failed",
				"agent_type", agentType, "error", err)
		} else if hit {
			return cert, nil
		}
	}

	cert, err := i.store.GetCertification(ctx, agentType)
	if err != nil {
		return nil, fmt.Errorf("loading certification: %w", err)
	}

	if cert != nil && i.cache != nil {
		if err := i.cache.SetCertification(ctx, cert); err != nil {
			i.logger.Warn("failed to cache certification",
				"agent_type", agentType, "error", err)
		}
	}
	return cert, nil
}

// IsValid reports whether an unexpired certification exists for the agent
// type. Absence and expiry are indistinguishable to callers; both mean the
// agent type is currently untrusted.
func (i *Issuer) IsValid(ctx context.Context, agentType string) (bool, error) {
	cert, err := i.Get(ctx, agentType)
	if err != nil {
		return false, err
	}
	if cert == nil {
		return false, nil
	}
	return cert.ValidAt(time.Now()), nil
}
