// Package types defines the core domain types for the fortification pipeline.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport and storage
// 3. Immutability: Stages and validators are fixed at registration; reports and
//    certifications are never mutated after construction
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// VALIDATORS
// =============================================================================

// Category classifies what aspect of an agent a validator probes.
type Category string

const (
	CategorySecurity    Category = "security"
	CategoryPerformance Category = "performance"
	CategoryAccuracy    Category = "accuracy"
	CategoryReliability Category = "reliability"
	CategoryCompliance  Category = "compliance"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySecurity, CategoryPerformance, CategoryAccuracy,
		CategoryReliability, CategoryCompliance:
		return true
	}
	return false
}

// ValidationResult is the outcome of a single probe execution.
//
// Results are produced fresh per invocation and never mutated. A probe that
// fails in an expected way should return Passed=false rather than an error;
// the engine tolerates errors but records them as score-zero results.
type ValidationResult struct {
	Passed          bool               `json:"passed"`
	Score           float64            `json:"score"` // 0-100
	Details         string             `json:"details"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
}

// ValidatorSpec describes a registered validator.
//
// Weight affects the stage's weighted score only; the pass decision compares
// each validator's raw score against its own threshold, ignoring weight.
type ValidatorSpec struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  Category `json:"category"`
	Weight    float64  `json:"weight"`    // > 0
	Threshold float64  `json:"threshold"` // 0-100, minimum passing score
}

// Validate checks validator business rules.
func (v ValidatorSpec) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("validator id is required")
	}
	if !v.Category.Valid() {
		return fmt.Errorf("validator %s: unknown category %q", v.ID, v.Category)
	}
	if v.Weight <= 0 {
		return fmt.Errorf("validator %s: weight must be positive, got %v", v.ID, v.Weight)
	}
	if v.Threshold < 0 || v.Threshold > 100 {
		return fmt.Errorf("validator %s: threshold must be in [0,100], got %v", v.ID, v.Threshold)
	}
	return nil
}

// =============================================================================
// STAGES
// =============================================================================

// Stage is an ordered, named group of validators.
//
// Stages execute in ascending Sequence order. A failed Required stage halts
// the pipeline; a failed stage with AutoRemediate triggers best-effort
// remediation for each below-threshold validator.
type Stage struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Sequence      int             `json:"sequence"` // unique, strictly increasing
	Required      bool            `json:"required"`
	AutoRemediate bool            `json:"auto_remediate"`
	Validators    []ValidatorSpec `json:"validators"`
}

// Validate checks stage business rules.
func (s Stage) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("stage id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("stage %s: name is required", s.ID)
	}
	if len(s.Validators) == 0 {
		return fmt.Errorf("stage %s: at least one validator is required", s.ID)
	}
	seen := make(map[string]bool, len(s.Validators))
	for _, v := range s.Validators {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("stage %s: %w", s.ID, err)
		}
		if seen[v.ID] {
			return fmt.Errorf("stage %s: duplicate validator id %s", s.ID, v.ID)
		}
		seen[v.ID] = true
	}
	return nil
}

// ValidationRecord pairs a validator with its result in a report.
type ValidationRecord struct {
	ValidatorID   string           `json:"validator_id"`
	ValidatorName string           `json:"validator_name"`
	Result        ValidationResult `json:"result"`
}

// StageExecutionResult is the recorded outcome of one executed stage.
//
// Score is the weighted average of validator scores and is informational
// only. Passed is the AND over validators of score >= threshold; weight is
// excluded from the pass decision.
type StageExecutionResult struct {
	StageID     string             `json:"stage_id"`
	StageName   string             `json:"stage_name"`
	Score       float64            `json:"score"`
	Passed      bool               `json:"passed"`
	Validations []ValidationRecord `json:"validations"`
}

// =============================================================================
// REPORTS
// =============================================================================

// PassingScore is the minimum overall score for a report to pass.
const PassingScore = 80.0

// FortificationReport is the immutable outcome of one fortification run.
//
// OverallScore is the arithmetic mean of the scores of the stages that
// executed; if the pipeline halted at a required stage, later stages are
// absent from Stages and excluded from the mean.
type FortificationReport struct {
	ID                 string                 `json:"id"`
	AgentType          string                 `json:"agent_type"`
	Timestamp          time.Time              `json:"timestamp"`
	OverallScore       float64                `json:"overall_score"`
	Passed             bool                   `json:"passed"`
	Stages             []StageExecutionResult `json:"stages"`
	Recommendations    []string               `json:"recommendations,omitempty"`
	CertificationLevel CertificationLevel     `json:"certification_level,omitempty"`
}

// =============================================================================
// CERTIFICATIONS
// =============================================================================

// CertificationLevel ranks a passing fortification run.
type CertificationLevel string

const (
	LevelBronze   CertificationLevel = "bronze"
	LevelSilver   CertificationLevel = "silver"
	LevelGold     CertificationLevel = "gold"
	LevelPlatinum CertificationLevel = "platinum"
)

// LevelForScore maps an overall score to a certification level.
// Only meaningful for passing reports.
func LevelForScore(score float64) CertificationLevel {
	switch {
	case score >= 95:
		return LevelPlatinum
	case score >= 90:
		return LevelGold
	case score >= 85:
		return LevelSilver
	default:
		return LevelBronze
	}
}

// CertificationValidity is the fixed validity window for issued certifications.
const CertificationValidity = 90 * 24 * time.Hour

// Certification is a time-bounded attestation that an agent type passed
// fortification. At most one certification is retained per agent type;
// issuing a new one overwrites the previous regardless of level ordering.
type Certification struct {
	ID           string             `json:"id"`
	AgentType    string             `json:"agent_type"`
	Level        CertificationLevel `json:"level"`
	Score        float64            `json:"score"`
	IssueDate    time.Time          `json:"issue_date"`
	ExpiryDate   time.Time          `json:"expiry_date"`
	Capabilities []string           `json:"capabilities,omitempty"` // names of passed stages
	Limitations  []string           `json:"limitations,omitempty"`  // report recommendations
	Auditor      string             `json:"auditor"`
}

// ValidAt reports whether the certification is valid at the given instant.
// There is no automatic renewal; validity must be re-earned by a new run.
func (c *Certification) ValidAt(now time.Time) bool {
	return now.Before(c.ExpiryDate)
}
