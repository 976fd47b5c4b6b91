package pool

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/pkg/config"
	"github.com/docsmith/docsmith/pkg/events"
	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/metrics"
)

// Governor adapts the pool's concurrency bound to memory pressure. At HIGH
// watermark it enables the dispatch throttle and shrinks the bound by one per
// sample; back at LOW it grows one per sample until the cap is restored. At
// most one adjustment per sample interval, so the bound cannot thrash faster
// than the sample period.
type Governor struct {
	pool    *Pool
	sampler Sampler
	broker  *events.Broker
	cfg     config.PoolConfig

	throttling bool
	restore    int // bound to grow back to once pressure clears
	stopCh     chan struct{}
}

// NewGovernor creates a governor over the pool
func NewGovernor(p *Pool, sampler Sampler, broker *events.Broker, cfg config.PoolConfig) *Governor {
	return &Governor{
		pool:    p,
		sampler: sampler,
		broker:  broker,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the sampling loop
func (g *Governor) Start() {
	go g.run()
}

// Stop stops the sampling loop
func (g *Governor) Stop() {
	close(g.stopCh)
}

func (g *Governor) run() {
	ticker := time.NewTicker(g.cfg.SampleInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Step()
		case <-g.stopCh:
			return
		}
	}
}

// Step takes one sample and applies at most one adjustment. Exported for
// deterministic tests.
func (g *Governor) Step() {
	usage, err := g.sampler.Sample()
	if err != nil {
		log.WithComponent("governor").Warn().Err(err).Msg("Resource sample failed")
		return
	}

	g.pool.setUsage(usage)
	metrics.MemoryPercent.Set(usage.MemoryPercent)
	metrics.CPUPercent.Set(usage.CPUPercent)

	switch {
	case usage.MemoryPercent >= g.cfg.MemoryHighPct:
		if !g.throttling {
			g.throttling = true
			g.restore = g.pool.Stats().MaxParallel
			g.pool.setThrottle(g.cfg.ThrottleDelay.Std())
			g.publishThrottle(usage, "memory above high watermark, throttling dispatch")
		}
		if next, changed := g.pool.shrink(); changed {
			log.WithComponent("governor").Warn().
				Float64("memory_percent", usage.MemoryPercent).
				Int("max_parallel", next).
				Msg("Memory pressure, shrinking worker pool")
			g.publishScale(next, usage)
		}

	case g.throttling && usage.MemoryPercent > g.cfg.MemoryLowPct:
		// Between watermarks while throttled: keep shedding load.
		if next, changed := g.pool.shrink(); changed {
			g.publishScale(next, usage)
		}

	case g.throttling: // at or below LOW
		next, changed := g.pool.grow()
		if changed {
			log.WithComponent("governor").Info().
				Float64("memory_percent", usage.MemoryPercent).
				Int("max_parallel", next).
				Msg("Memory recovered, growing worker pool")
			g.publishScale(next, usage)
		}
		if !changed || next >= g.restore {
			g.throttling = false
			g.pool.setThrottle(0)
		}
	}
}

func (g *Governor) publishScale(maxParallel int, usage Usage) {
	if g.broker == nil {
		return
	}
	g.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventPoolScaled,
		Timestamp: time.Now(),
		Message:   fmt.Sprintf("max_parallel now %d at %.1f%% memory", maxParallel, usage.MemoryPercent),
	})
}

func (g *Governor) publishThrottle(usage Usage, message string) {
	if g.broker == nil {
		return
	}
	g.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventDispatchThrottled,
		Timestamp: time.Now(),
		Message:   fmt.Sprintf("%s (%.1f%%)", message, usage.MemoryPercent),
	})
}
