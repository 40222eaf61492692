package metrics

import (
	"context"
)

// Instruments emitted by the kit.
var (
	MetricBreakerTransitions = Metric{
		Name:        "circuit_breaker.transitions",
		Unit:        "1",
		Description: "Circuit breaker state transitions.",
	}

	// MetricBreakerState is 0 while closed, 1 while half-open and 2 while open.
	MetricBreakerState = Metric{
		Name:        "circuit_breaker.state",
		Unit:        "1",
		Description: "Current circuit breaker state.",
	}

	MetricBreakerRejections = Metric{
		Name:        "circuit_breaker.rejections",
		Unit:        "1",
		Description: "Calls rejected because the breaker was open.",
	}

	MetricCacheHits = Metric{
		Name:        "cache.hits",
		Unit:        "1",
		Description: "Cache lookups served from the store.",
	}

	MetricCacheMisses = Metric{
		Name:        "cache.misses",
		Unit:        "1",
		Description: "Cache lookups that returned the caller default.",
	}

	MetricCacheErrors = Metric{
		Name:        "cache.errors",
		Unit:        "1",
		Description: "Cache operations that failed or were short-circuited.",
	}

	MetricCacheLatency = Metric{
		Name:        "cache.operation.latency",
		Unit:        "ms",
		Description: "Cache operation latency.",
	}

	MetricProbeResults = Metric{
		Name:        "health.probe.results",
		Unit:        "1",
		Description: "Health check executions by check and status.",
	}

	MetricShutdownHookDuration = Metric{
		Name:        "shutdown.hook.duration",
		Unit:        "ms",
		Description: "Time spent in each shutdown hook.",
	}

	MetricPanicsRecovered = Metric{
		Name:        "runtime.panics.recovered",
		Unit:        "1",
		Description: "Panics recovered in kit goroutines.",
	}

	MetricSystemCPUUsage = Metric{
		Name:        "system.cpu.usage",
		Unit:        "percentage",
		Description: "Current CPU usage percentage of the process host.",
	}

	MetricSystemMemUsage = Metric{
		Name:        "system.mem.usage",
		Unit:        "percentage",
		Description: "Current memory usage percentage of the process host.",
	}
)

func (f *MetricsFactory) addOne(ctx context.Context, m Metric, labels map[string]string) error {
	if f == nil {
		return nil
	}

	b, err := f.Counter(m)
	if err != nil {
		return err
	}

	return b.WithLabels(labels).AddOne(ctx)
}

func (f *MetricsFactory) set(ctx context.Context, m Metric, labels map[string]string, value int64) error {
	if f == nil {
		return nil
	}

	b, err := f.Gauge(m)
	if err != nil {
		return err
	}

	return b.WithLabels(labels).Set(ctx, value)
}

func (f *MetricsFactory) record(ctx context.Context, m Metric, labels map[string]string, value int64) error {
	if f == nil {
		return nil
	}

	b, err := f.Histogram(m)
	if err != nil {
		return err
	}

	return b.WithLabels(labels).Record(ctx, value)
}

// RecordBreakerTransition counts one state transition of a named breaker.
func (f *MetricsFactory) RecordBreakerTransition(ctx context.Context, breaker, from, to string) error {
	return f.addOne(ctx, MetricBreakerTransitions, map[string]string{"breaker": breaker, "from": from, "to": to})
}

// RecordBreakerState sets the state gauge of a named breaker.
func (f *MetricsFactory) RecordBreakerState(ctx context.Context, breaker string, state int64) error {
	return f.set(ctx, MetricBreakerState, map[string]string{"breaker": breaker}, state)
}

// RecordBreakerRejection counts one call short-circuited by an open breaker.
func (f *MetricsFactory) RecordBreakerRejection(ctx context.Context, breaker string) error {
	return f.addOne(ctx, MetricBreakerRejections, map[string]string{"breaker": breaker})
}

// RecordCacheHit counts a hit for the given cache operation.
func (f *MetricsFactory) RecordCacheHit(ctx context.Context, op string) error {
	return f.addOne(ctx, MetricCacheHits, map[string]string{"op": op})
}

// RecordCacheMiss counts a miss for the given cache operation.
func (f *MetricsFactory) RecordCacheMiss(ctx context.Context, op string) error {
	return f.addOne(ctx, MetricCacheMisses, map[string]string{"op": op})
}

// RecordCacheError counts a failed or short-circuited cache operation.
func (f *MetricsFactory) RecordCacheError(ctx context.Context, op string) error {
	return f.addOne(ctx, MetricCacheErrors, map[string]string{"op": op})
}

// RecordCacheLatency records a cache operation latency in milliseconds.
func (f *MetricsFactory) RecordCacheLatency(ctx context.Context, op string, ms int64) error {
	return f.record(ctx, MetricCacheLatency, map[string]string{"op": op}, ms)
}

// RecordProbeResult counts one health check execution.
func (f *MetricsFactory) RecordProbeResult(ctx context.Context, check, status string) error {
	return f.addOne(ctx, MetricProbeResults, map[string]string{"check": check, "status": status})
}

// RecordShutdownHook records how long a shutdown hook ran, in milliseconds.
func (f *MetricsFactory) RecordShutdownHook(ctx context.Context, hook, outcome string, ms int64) error {
	return f.record(ctx, MetricShutdownHookDuration, map[string]string{"hook": hook, "outcome": outcome}, ms)
}

// RecordPanicRecovered counts a panic recovered by the runtime helpers.
func (f *MetricsFactory) RecordPanicRecovered(ctx context.Context, component, goroutine string) error {
	return f.addOne(ctx, MetricPanicsRecovered, map[string]string{"component": component, "goroutine": goroutine})
}

// RecordSystemCPUUsage records the current CPU usage percentage via the factory's gauge.
func (f *MetricsFactory) RecordSystemCPUUsage(ctx context.Context, percentage int64) error {
	return f.set(ctx, MetricSystemCPUUsage, nil, percentage)
}

// RecordSystemMemUsage records the current memory usage percentage via the factory's gauge.
func (f *MetricsFactory) RecordSystemMemUsage(ctx context.Context, percentage int64) error {
	return f.set(ctx, MetricSystemMemUsage, nil, percentage)
}
