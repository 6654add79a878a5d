// Package config handles fortification pipeline configuration.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (FORTIFY_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	database:
//	  url: postgres://localhost/fortify
//
//	runtime:
//	  url: http://runtime.valifi.internal
//	  token: frt_xxx
//
//	pipeline:
//	  probe_timeout: 60s
//	  stages:
//	    - id: security
//	      name: Security Hardening
//	      sequence: 1
//	      required: true
//	      auto_remediate: true
//	      validators:
//	        - id: injection_resistance
//	          name: Injection Resistance
//	          category: security
//	          weight: 2
//	          threshold: 95
//	          probe: injection
//
//	schedules:
//	  - agent_type: guardian_angel
//	    interval_days: 7
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valifi/fortify/pkg/types"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Learning  LearningConfig   `yaml:"learning"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig defines certification/report persistence.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig defines the optional certification cache.
type RedisConfig struct {
	URL      string        `yaml:"url,omitempty"`
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`
}

// RuntimeConfig defines how to reach the agent execution runtime.
type RuntimeConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

// LearningConfig defines the learning service endpoint. Leave URL empty to
// drop outcomes.
type LearningConfig struct {
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
}

// PipelineConfig defines the stage registry and probe behavior.
type PipelineConfig struct {
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	RemediationTimeout time.Duration `yaml:"remediation_timeout"`
	Stages             []StageConfig `yaml:"stages"`
}

// StageConfig defines one pipeline stage.
type StageConfig struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Sequence      int               `yaml:"sequence"`
	Required      bool              `yaml:"required"`
	AutoRemediate bool              `yaml:"auto_remediate"`
	Validators    []ValidatorConfig `yaml:"validators"`
}

// ValidatorConfig defines one validator and its probe binding.
type ValidatorConfig struct {
	ID        string  `yaml:"id"`
	Name      string  `yaml:"name"`
	Category  string  `yaml:"category"`
	Weight    float64 `yaml:"weight"`
	Threshold float64 `yaml:"threshold"`

	// Probe names a built-in probe kind: injection, load, resource,
	// error_handling, audit_trail.
	Probe string `yaml:"probe"`

	// Task overrides the task sent by probes that exercise the agent.
	Task string `yaml:"task,omitempty"`
}

// ScheduleConfig defines a periodic fortification schedule started at boot.
type ScheduleConfig struct {
	AgentType    string `yaml:"agent_type"`
	IntervalDays int    `yaml:"interval_days"`
}

// ToStage converts the stage definition to the domain type.
func (s StageConfig) ToStage() types.Stage {
	stage := types.Stage{
		ID:            s.ID,
		Name:          s.Name,
		Sequence:      s.Sequence,
		Required:      s.Required,
		AutoRemediate: s.AutoRemediate,
	}
	for _, v := range s.Validators {
		stage.Validators = append(stage.Validators, types.ValidatorSpec{
			ID:        v.ID,
			Name:      v.Name,
			Category:  types.Category(v.Category),
			Weight:    v.Weight,
			Threshold: v.Threshold,
		})
	}
	return stage
}

// ToStages converts the full pipeline definition to domain stages.
func (p PipelineConfig) ToStages() []types.Stage {
	stages := make([]types.Stage, 0, len(p.Stages))
	for _, s := range p.Stages {
		stages = append(stages, s.ToStage())
	}
	return stages
}

// DefaultConfig returns a config with the standard five-stage pipeline.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Redis:  RedisConfig{CacheTTL: 60 * time.Second},
		Pipeline: PipelineConfig{
			ProbeTimeout:       60 * time.Second,
			RemediationTimeout: 2 * time.Minute,
			Stages: []StageConfig{
				{
					ID: "security", Name: "Security Hardening", Sequence: 1,
					Required: true, AutoRemediate: true,
					Validators: []ValidatorConfig{
						{ID: "injection_resistance", Name: "Injection Resistance",
							Category: "security", Weight: 2, Threshold: 95, Probe: "injection"},
					},
				},
				{
					ID: "performance", Name: "Performance", Sequence: 2,
					AutoRemediate: true,
					Validators: []ValidatorConfig{
						{ID: "load_capacity", Name: "Load Capacity",
							Category: "performance", Weight: 1.5, Threshold: 80, Probe: "load"},
						{ID: "resource_headroom", Name: "Resource Headroom",
							Category: "performance", Weight: 1, Threshold: 70, Probe: "resource"},
					},
				},
				{
					ID: "reliability", Name: "Reliability", Sequence: 3,
					Required: true,
					Validators: []ValidatorConfig{
						{ID: "error_handling", Name: "Error Handling",
							Category: "reliability", Weight: 1.5, Threshold: 90, Probe: "error_handling"},
					},
				},
				{
					ID: "compliance", Name: "Compliance", Sequence: 4,
					Required: true,
					Validators: []ValidatorConfig{
						{ID: "audit_trail", Name: "Audit Trail",
							Category: "compliance", Weight: 2, Threshold: 90, Probe: "audit_trail"},
					},
				},
				{
					ID: "integration", Name: "Integration", Sequence: 5,
					Validators: []ValidatorConfig{
						{ID: "end_to_end", Name: "End-to-End Smoke",
							Category: "accuracy", Weight: 1, Threshold: 85, Probe: "load",
							Task: "end_to_end_smoke"},
					},
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, layered on defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	// A file that defines its own pipeline replaces the default one wholesale.
	var probe struct {
		Pipeline struct {
			Stages []yaml.Node `yaml:"stages"`
		} `yaml:"pipeline"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if len(probe.Pipeline.Stages) > 0 {
		cfg.Pipeline.Stages = nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Runtime.URL == "" {
		return fmt.Errorf("runtime.url is required")
	}
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("pipeline.stages must not be empty")
	}

	seenSeq := make(map[int]string)
	for _, s := range c.Pipeline.Stages {
		if err := s.ToStage().Validate(); err != nil {
			return err
		}
		if other, dup := seenSeq[s.Sequence]; dup {
			return fmt.Errorf("stages %s and %s share sequence %d", other, s.ID, s.Sequence)
		}
		seenSeq[s.Sequence] = s.ID
		for _, v := range s.Validators {
			if v.Probe == "" {
				return fmt.Errorf("validator %s: probe is required", v.ID)
			}
		}
	}

	for _, sched := range c.Schedules {
		if sched.AgentType == "" {
			return fmt.Errorf("schedule agent_type is required")
		}
		if sched.IntervalDays <= 0 {
			return fmt.Errorf("schedule for %s: interval_days must be positive", sched.AgentType)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the FORTIFY_ prefix:
// - FORTIFY_DATABASE_URL
// - FORTIFY_REDIS_URL
// - FORTIFY_RUNTIME_URL
// - FORTIFY_RUNTIME_TOKEN
// - FORTIFY_LEARNING_URL
// - FORTIFY_LEARNING_TOKEN
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FORTIFY_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("FORTIFY_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("FORTIFY_RUNTIME_URL"); v != "" {
		c.Runtime.URL = v
	}
	if v := os.Getenv("FORTIFY_RUNTIME_TOKEN"); v != "" {
		c.Runtime.Token = v
	}
	if v := os.Getenv("FORTIFY_LEARNING_URL"); v != "" {
		c.Learning.URL = v
	}
	if v := os.Getenv("FORTIFY_LEARNING_TOKEN"); v != "" {
		c.Learning.Token = v
	}
}
