// Package invoker provides the client for the agent execution runtime.
//
// Probes use the invoker to exercise a live agent; the engine itself never
// calls it directly.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Invoker executes a task against a live agent of the given type.
type Invoker interface {
	Execute(ctx context.Context, task, agentType string) (*ExecuteResult, error)
}

// ExecuteResult is the runtime's response to a task execution.
type ExecuteResult struct {
	Status string          `json:"status"` // "success" or "error"
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Succeeded reports whether the execution completed without error.
func (r *ExecuteResult) Succeeded() bool {
	return r.Status == "success"
}

// Config for the runtime client.
type Config struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

// Client is an HTTP client for the agent execution runtime.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// NewClient creates a runtime client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		authToken:  cfg.AuthToken,
	}
}

type executeRequest struct {
	Task      string `json:"task"`
	AgentType string `json:"agent_type"`
}

// Execute submits a task to an agent and returns the structured outcome.
// Transport failures are returned as errors; agent-level failures come back
// as a result with Status "error".
func (c *Client) Execute(ctx context.Context, task, agentType string) (*ExecuteResult, error) {
	body, err := json.Marshal(executeRequest{Task: task, AgentType: agentType})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/agents/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var result ExecuteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

// readError extracts an error message from a failed response.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("runtime error (%d): %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("runtime error (%d): %s", resp.StatusCode, string(body))
}
