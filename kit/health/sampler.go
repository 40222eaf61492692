package health

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	"github.com/statgrid/lib-resilience/kit/runtime"
)

// ResourceSnapshot is one host usage sample.
type ResourceSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// SampleFunc reads host usage.
type SampleFunc func(ctx context.Context) (ResourceSnapshot, error)

// HostSample reads CPU over a 100ms window and virtual memory usage.
func HostSample(ctx context.Context) (ResourceSnapshot, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return ResourceSnapshot{}, err
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceSnapshot{}, err
	}

	snap := ResourceSnapshot{MemoryPercent: vm.UsedPercent, SampledAt: time.Now()}
	if len(cpuPct) > 0 {
		snap.CPUPercent = cpuPct[0]
	}

	return snap, nil
}

// ResourceSampler samples host usage in the background and exports gauges.
type ResourceSampler struct {
	interval time.Duration
	sample   SampleFunc
	logger   log.Logger
	metrics  *metrics.MetricsFactory

	mu     sync.RWMutex
	latest ResourceSnapshot
	has    bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewResourceSampler builds a sampler. A nil sample uses HostSample.
func NewResourceSampler(interval time.Duration, sample SampleFunc, factory *metrics.MetricsFactory, logger log.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	if sample == nil {
		sample = HostSample
	}

	return &ResourceSampler{
		interval: interval,
		sample:   sample,
		logger:   log.OrNop(logger),
		metrics:  factory,
		done:     make(chan struct{}),
	}
}

// Start samples once immediately, then every interval until ctx ends or Stop.
func (s *ResourceSampler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)

		runtime.SafeGoWithContextAndComponent(ctx, s.logger, "health", "resource_sampler", runtime.KeepRunning,
			func(ctx context.Context) {
				defer close(s.done)

				ticker := time.NewTicker(s.interval)
				defer ticker.Stop()

				s.SampleNow(ctx)

				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						s.SampleNow(ctx)
					}
				}
			})
	})
}

// Stop ends the loop and waits for it. Safe to call without Start.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() {
		// blocks a concurrent Start and keeps later ones from launching
		s.startOnce.Do(func() {})

		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

// SampleNow takes one sample and publishes it.
func (s *ResourceSampler) SampleNow(ctx context.Context) {
	snap, err := s.sample(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "resource sampling failed", log.Err(err))
		return
	}

	if snap.SampledAt.IsZero() {
		snap.SampledAt = time.Now()
	}

	s.mu.Lock()
	s.latest = snap
	s.has = true
	s.mu.Unlock()

	if err := s.metrics.RecordSystemCPUUsage(ctx, int64(snap.CPUPercent)); err != nil {
		s.logger.Log(ctx, log.LevelWarn, "error recording CPU gauge", log.Err(err))
	}

	if err := s.metrics.RecordSystemMemUsage(ctx, int64(snap.MemoryPercent)); err != nil {
		s.logger.Log(ctx, log.LevelWarn, "error recording memory gauge", log.Err(err))
	}
}

// Latest returns the most recent sample, if any.
func (s *ResourceSampler) Latest() (ResourceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latest, s.has
}
