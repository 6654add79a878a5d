package types

import (
	"testing"
	"time"
)

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  CertificationLevel
	}{
		{100, LevelPlatinum},
		{95, LevelPlatinum},
		{94.999, LevelGold},
		{90, LevelGold},
		{89.999, LevelSilver},
		{85, LevelSilver},
		{84.999, LevelBronze},
		{80, LevelBronze},
		{0, LevelBronze},
	}

	for _, tt := range tests {
		if got := LevelForScore(tt.score); got != tt.want {
			t.Errorf("LevelForScore(%v): got %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestCategoryValid(t *testing.T) {
	for _, c := range []Category{
		CategorySecurity, CategoryPerformance, CategoryAccuracy,
		CategoryReliability, CategoryCompliance,
	} {
		if !c.Valid() {
			t.Errorf("category %s should be valid", c)
		}
	}
	if Category("observability").Valid() {
		t.Error("unknown category should not be valid")
	}
	if Category("").Valid() {
		t.Error("empty category should not be valid")
	}
}

func TestValidatorSpecValidate(t *testing.T) {
	valid := ValidatorSpec{
		ID:        "injection_resistance",
		Name:      "Injection Resistance",
		Category:  CategorySecurity,
		Weight:    2,
		Threshold: 95,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ValidatorSpec)
	}{
		{"missing id", func(v *ValidatorSpec) { v.ID = "" }},
		{"unknown category", func(v *ValidatorSpec) { v.Category = "bogus" }},
		{"zero weight", func(v *ValidatorSpec) { v.Weight = 0 }},
		{"negative weight", func(v *ValidatorSpec) { v.Weight = -1 }},
		{"threshold too high", func(v *ValidatorSpec) { v.Threshold = 101 }},
		{"negative threshold", func(v *ValidatorSpec) { v.Threshold = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			if err := spec.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestStageValidate(t *testing.T) {
	valid := Stage{
		ID:       "security",
		Name:     "Security Hardening",
		Sequence: 1,
		Validators: []ValidatorSpec{
			{ID: "a", Name: "A", Category: CategorySecurity, Weight: 1, Threshold: 90},
			{ID: "b", Name: "B", Category: CategorySecurity, Weight: 1, Threshold: 90},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid stage rejected: %v", err)
	}

	noValidators := valid
	noValidators.Validators = nil
	if err := noValidators.Validate(); err == nil {
		t.Error("stage without validators should be rejected")
	}

	dup := valid
	dup.Validators = []ValidatorSpec{
		{ID: "a", Name: "A", Category: CategorySecurity, Weight: 1, Threshold: 90},
		{ID: "a", Name: "A again", Category: CategorySecurity, Weight: 1, Threshold: 90},
	}
	if err := dup.Validate(); err == nil {
		t.Error("duplicate validator IDs should be rejected")
	}
}

func TestCertificationValidAt(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cert := &Certification{
		AgentType:  "guardian_angel",
		IssueDate:  issued,
		ExpiryDate: issued.Add(CertificationValidity),
	}

	if !cert.ValidAt(issued) {
		t.Error("certification should be valid at issue time")
	}
	if !cert.ValidAt(issued.Add(89 * 24 * time.Hour)) {
		t.Error("certification should be valid within the 90 day window")
	}
	if cert.ValidAt(issued.Add(90 * 24 * time.Hour)) {
		t.Error("certification should be expired exactly at expiry")
	}
	if cert.ValidAt(issued.Add(91 * 24 * time.Hour)) {
		t.Error("certification should be expired after expiry")
	}
}
