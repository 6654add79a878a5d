package probes

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/valifi/fortify/internal/invoker"
	"github.com/valifi/fortify/internal/validator"
	"github.com/valifi/fortify/pkg/types"
)

// ResourceConfig tunes the resource-headroom probe.
type ResourceConfig struct {
	// Task exercised while sampling (default: "health_check").
	Task string

	// SampleWindow is the cpu sampling duration (default: 3s).
	SampleWindow time.Duration

	// MaxCPUPercent is the highest acceptable cpu use while the agent is
	// exercised (default: 85).
	MaxCPUPercent float64

	// MaxMemPercent is the highest acceptable memory use (default: 90).
	MaxMemPercent float64
}

func (c *ResourceConfig) applyDefaults() {
	if c.Task == "" {
		c.Task = "health_check"
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = 3 * time.Second
	}
	if c.MaxCPUPercent <= 0 {
		c.MaxCPUPercent = 85
	}
	if c.MaxMemPercent <= 0 {
		c.MaxMemPercent = 90
	}
}

// NewResourceProbe returns a performance probe that samples host cpu and
// memory while the agent handles a task, scoring the remaining headroom.
func NewResourceProbe(inv invoker.Invoker, cfg ResourceConfig) validator.Probe {
	cfg.applyDefaults()

	return func(ctx context.Context, agentType string) (*types.ValidationResult, error) {
		// Keep the agent busy during the sampling window.
		done := make(chan struct{})
		go func() {
			defer close(done)
			deadline := time.Now().Add(cfg.SampleWindow)
			for time.Now().Before(deadline) && ctx.Err() == nil {
				inv.Execute(ctx, cfg.Task, agentType)
			}
		}()

		cpuPercents, err := cpu.PercentWithContext(ctx, cfg.SampleWindow, false)
		<-done
		if err != nil {
			return nil, fmt.Errorf("sampling cpu: %w", err)
		}
		cpuUse := 0.0
		if len(cpuPercents) > 0 {
			cpuUse = cpuPercents[0]
		}

		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("sampling memory: %w", err)
		}

		cpuScore := headroomScore(cpuUse, cfg.MaxCPUPercent)
		memScore := headroomScore(vm.UsedPercent, cfg.MaxMemPercent)
		score := (cpuScore + memScore) / 2

		result := &types.ValidationResult{
			Passed: cpuUse <= cfg.MaxCPUPercent && vm.UsedPercent <= cfg.MaxMemPercent,
			Score:  score,
			Details: fmt.Sprintf("cpu %.1f%% (limit %.0f%%), mem %.1f%% (limit %.0f%%)",
				cpuUse, cfg.MaxCPUPercent, vm.UsedPercent, cfg.MaxMemPercent),
			Metrics: map[string]float64{
				"cpu_percent": cpuUse,
				"mem_percent": vm.UsedPercent,
			},
		}
		if cpuUse > cfg.MaxCPUPercent {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("reduce %s cpu footprint under load", agentType))
		}
		if vm.UsedPercent > cfg.MaxMemPercent {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("reduce %s memory footprint", agentType))
		}
		return result, nil
	}
}

// headroomScore maps utilization to 0-100: full marks at or below half the
// limit, zero at 100% utilization.
func headroomScore(used, limit float64) float64 {
	if used <= limit/2 {
		return 100
	}
	if used >= 100 {
		return 0
	}
	return 100 * (100 - used) / (100 - limit/2)
}
