// Package sysstats samples host CPU and memory load for the pipeline
// snapshots.
package sysstats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"antares/internal/pipeline"
)

// HostGauge reads system-wide CPU and RAM usage through gopsutil. CPU is
// measured since the previous call, so the first sample may be 0.
type HostGauge struct{}

// NewHostGauge creates a HostGauge.
func NewHostGauge() *HostGauge {
	return &HostGauge{}
}

// Sample implements pipeline.Gauge.
func (HostGauge) Sample(ctx context.Context) (pipeline.Usage, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return pipeline.Usage{}, fmt.Errorf("cpu percent: %w", err)
	}
	if len(cpus) == 0 {
		return pipeline.Usage{}, fmt.Errorf("cpu percent: no data")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return pipeline.Usage{}, fmt.Errorf("virtual memory: %w", err)
	}
	return pipeline.Usage{CPU: cpus[0], RAM: vm.UsedPercent}, nil
}

// CachedGauge shares one underlying sample between all callers for a fixed
// interval.
type CachedGauge struct {
	gauge    pipeline.Gauge
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	last    pipeline.Usage
	sampled time.Time
	valid   bool
}

// NewCachedGauge wraps g. A non-positive interval disables caching.
func NewCachedGauge(g pipeline.Gauge, interval time.Duration, clk clock.Clock) *CachedGauge {
	if clk == nil {
		clk = clock.New()
	}
	return &CachedGauge{gauge: g, interval: interval, clock: clk}
}

// Sample implements pipeline.Gauge. Failed samples are not cached.
func (c *CachedGauge) Sample(ctx context.Context) (pipeline.Usage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.valid && now.Sub(c.sampled) < c.interval {
		return c.last, nil
	}

	u, err := c.gauge.Sample(ctx)
	if err != nil {
		return pipeline.Usage{}, err
	}
	c.last = u
	c.sampled = now
	c.valid = true
	return u, nil
}

var (
	_ pipeline.Gauge = HostGauge{}
	_ pipeline.Gauge = (*CachedGauge)(nil)
)
