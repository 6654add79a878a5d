// Package probes ships the reference validator probes for the fortification
// pipeline.
//
// # Design
//
// Each probe is built by a constructor that binds immutable configuration and
// external clients, returning a validator.Probe. Probes hold no mutable state
// between invocations and are safe to run concurrently with their siblings.
//
// Production deployments register additional probes alongside these; the
// engine treats them all identically through the probe contract.
package probes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/valifi/fortify/internal/invoker"
	"github.com/valifi/fortify/internal/validator"
	"github.com/valifi/fortify/pkg/types"
)

// LoadConfig tunes the load probe.
type LoadConfig struct {
	// Task sent to the agent on every request.
	Task string

	// Requests is the total number of invocations (default: 50).
	Requests int

	// Concurrency is the number of parallel workers (default: 5).
	Concurrency int

	// RatePerSecond paces invocations across all workers (default: 20).
	RatePerSecond int

	// TargetP95 is the latency target; exceeding it costs score
	// proportionally (default: 2s).
	TargetP95 time.Duration
}

func (c *LoadConfig) applyDefaults() {
	if c.Task == "" {
		c.Task = "health_check"
	}
	if c.Requests <= 0 {
		c.Requests = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 20
	}
	if c.TargetP95 <= 0 {
		c.TargetP95 = 2 * time.Second
	}
}

// NewLoadProbe returns a performance probe that fans rate-paced concurrent
// task invocations through the agent runtime and scores success ratio and
// p95 latency against the target.
func NewLoadProbe(inv invoker.Invoker, cfg LoadConfig) validator.Probe {
	cfg.applyDefaults()

	return func(ctx context.Context, agentType string) (*types.ValidationResult, error) {
		limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency)

		type outcome struct {
			ok      bool
			latency time.Duration
		}
		jobs := make(chan struct{}, cfg.Requests)
		outcomes := make(chan outcome, cfg.Requests)
		for i := 0; i < cfg.Requests; i++ {
			jobs <- struct{}{}
		}
		close(jobs)

		for w := 0; w < cfg.Concurrency; w++ {
			go func() {
				for range jobs {
					if err := limiter.Wait(ctx); err != nil {
						outcomes <- outcome{ok: false}
						continue
					}
					start := time.Now()
					res, err := inv.Execute(ctx, cfg.Task, agentType)
					outcomes <- outcome{
						ok:      err == nil && res.Succeeded(),
						latency: time.Since(start),
					}
				}
			}()
		}

		succeeded := 0
		latencies := make([]time.Duration, 0, cfg.Requests)
		for i := 0; i < cfg.Requests; i++ {
			o := <-outcomes
			if o.ok {
				succeeded++
				latencies = append(latencies, o.latency)
			}
		}

		successRatio := float64(succeeded) / float64(cfg.Requests)
		p95 := percentile(latencies, 0.95)

		// Success ratio carries 70 points, latency the remaining 30.
		score := successRatio * 70
		if p95 > 0 {
			latencyScore := 30 * float64(cfg.TargetP95) / float64(p95)
			if latencyScore > 30 {
				latencyScore = 30
			}
			score += latencyScore
		}

		result := &types.ValidationResult{
			Passed: successRatio >= 0.95 && (p95 == 0 || p95 <= cfg.TargetP95),
			Score:  score,
			Details: fmt.Sprintf("%d/%d requests succeeded, p95=%s (target %s)",
				succeeded, cfg.Requests, p95, cfg.TargetP95),
			Metrics: map[string]float64{
				"success_ratio": successRatio,
				"p95_ms":        float64(p95.Milliseconds()),
				"requests":      float64(cfg.Requests),
			},
		}
		if successRatio < 0.95 {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("investigate failing %s invocations under load", agentType))
		}
		if p95 > cfg.TargetP95 {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("reduce %s p95 latency below %s", agentType, cfg.TargetP95))
		}
		return result, nil
	}
}

// percentile returns the p-th percentile of the given durations.
func percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
