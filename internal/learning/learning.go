// Package learning forwards fortification outcomes to the platform's
// learning service for feedback and skill progression.
package learning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/valifi/fortify/pkg/types"
)

// StageSummary is the compact per-stage view sent with an outcome.
type StageSummary struct {
	StageName string  `json:"stage_name"`
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
}

// Config holds configuration for the learning service client.
type Config struct {
	BaseURL   string        // e.g. "http://learning.valifi.internal"
	AuthToken string        // Bearer token
	Timeout   time.Duration // HTTP timeout (default: 15s)
	RateLimit int           // Requests per minute (default: 120)
}

// Client is an HTTP client for the learning service.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	authToken   string
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewClient creates a learning service client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 120
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: timeout},
		authToken:   cfg.AuthToken,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(rateLimit)/60.0), 1),
		logger:      logger.With("component", "learning_client"),
	}
}

type outcomeRequest struct {
	AgentType    string         `json:"agent_type"`
	Stages       []StageSummary `json:"stages"`
	OverallScore float64        `json:"overall_score"`
	Passed       bool           `json:"passed"`
	Reward       float64        `json:"reward"`
}

// RecordOutcome reports one fortification run, pass or fail.
func (c *Client) RecordOutcome(ctx context.Context, agentType string, stages []types.StageExecutionResult, overallScore float64, passed bool, reward float64) error {
	summaries := make([]StageSummary, len(stages))
	for i, s := range stages {
		summaries[i] = StageSummary{StageName: s.StageName, Score: s.Score, Passed: s.Passed}
	}
	return c.post(ctx, "/api/v1/learning/outcomes", outcomeRequest{
		AgentType:    agentType,
		Stages:       summaries,
		OverallScore: overallScore,
		Passed:       passed,
		Reward:       reward,
	})
}

type skillRequest struct {
	AgentType string  `json:"agent_type"`
	Skill     string  `json:"skill"`
	XP        float64 `json:"xp"`
}

// AwardSkill grants experience points toward a skill.
func (c *Client) AwardSkill(ctx context.Context, agentType, skill string, xp float64) error {
	return c.post(ctx, "/api/v1/learning/skills", skillRequest{
		AgentType: agentType,
		Skill:     skill,
		XP:        xp,
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to learning service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("learning service error (%d): %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Noop is a recorder that drops every outcome. Used when no learning service
// is configured.
type Noop struct{}

func (Noop) RecordOutcome(ctx context.Context, agentType string, stages []types.StageExecutionResult, overallScore float64, passed bool, reward float64) error {
	return nil
}

func (Noop) AwardSkill(ctx context.Context, agentType, skill string, xp float64) error {
	return nil
}
