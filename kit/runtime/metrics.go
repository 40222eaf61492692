package runtime

import (
	"context"
	"sync"

	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
)

var (
	panicFactory   *metrics.MetricsFactory
	panicLogger    log.Logger
	panicMetricsMu sync.RWMutex
)

// InitPanicMetrics installs the factory used to count recovered panics.
// The first non-nil factory wins; later calls are no-ops.
func InitPanicMetrics(factory *metrics.MetricsFactory, logger log.Logger) {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	if factory == nil || panicFactory != nil {
		return
	}

	panicFactory = factory
	panicLogger = log.OrNop(logger)
}

// ResetPanicMetrics clears the installed factory. Tests only.
func ResetPanicMetrics() {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	panicFactory = nil
	panicLogger = nil
}

func recordPanicMetric(ctx context.Context, component, name string) {
	panicMetricsMu.RLock()
	factory, logger := panicFactory, panicLogger
	panicMetricsMu.RUnlock()

	if factory == nil {
		return
	}

	if err := factory.RecordPanicRecovered(ctx, component, name); err != nil {
		logger.Log(ctx, log.LevelWarn, "failed to record panic metric", log.Err(err))
	}
}
