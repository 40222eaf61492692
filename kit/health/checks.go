package health

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/statgrid/lib-resilience/kit/cache"
	"github.com/statgrid/lib-resilience/kit/circuitbreaker"
)

// BreakerCheck reports unhealthy while any registered breaker is open and
// degraded while any is half-open.
func BreakerCheck(registry *circuitbreaker.Registry) Check {
	return func(context.Context) Result {
		if registry == nil {
			return Unhealthy(circuitbreaker.ErrNilRegistry.Error())
		}

		var open, halfOpen []string

		for name, st := range registry.Stats() {
			switch st.State {
			case circuitbreaker.StateOpen:
				open = append(open, name)
			case circuitbreaker.StateHalfOpen:
				halfOpen = append(halfOpen, name)
			case circuitbreaker.StateClosed:
			}
		}

		switch {
		case len(open) > 0:
			return Unhealthy("open breakers: " + joinSorted(open))
		case len(halfOpen) > 0:
			return Degraded("half-open breakers: " + joinSorted(halfOpen))
		default:
			return Healthy("all breakers closed")
		}
	}
}

// CacheHealthReporter is satisfied by *cache.Manager.
type CacheHealthReporter interface {
	HealthCheck(ctx context.Context) cache.HealthReport
}

// CacheCheck maps the cache health report onto a check result.
func CacheCheck(reporter CacheHealthReporter) Check {
	return func(ctx context.Context) Result {
		report := reporter.HealthCheck(ctx)

		msg := fmt.Sprintf("%s (latency %s, breaker %s)", report.Message, report.Latency, report.BreakerState)

		switch report.Status {
		case cache.StatusHealthy:
			return Healthy(msg)
		case cache.StatusDegraded:
			return Degraded(msg)
		default:
			if report.Error != "" {
				msg += ": " + report.Error
			}

			return Unhealthy(msg)
		}
	}
}

// Thresholds are resource usage limits in percent.
type Thresholds struct {
	CPUDegraded     float64
	CPUUnhealthy    float64
	MemoryDegraded  float64
	MemoryUnhealthy float64
}

// DefaultThresholds returns the resource limits used by the critical check.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUDegraded:     80,
		CPUUnhealthy:    95,
		MemoryDegraded:  85,
		MemoryUnhealthy: 95,
	}
}

// ResourceCheck grades the latest sampler snapshot. Before the first sample
// it reports starting.
func ResourceCheck(sampler *ResourceSampler, th Thresholds) Check {
	return func(context.Context) Result {
		snap, ok := sampler.Latest()
		if !ok {
			return Result{Status: StatusStarting, Message: "no resource sample yet"}
		}

		msg := fmt.Sprintf("cpu %.1f%%, memory %.1f%%", snap.CPUPercent, snap.MemoryPercent)

		switch {
		case snap.CPUPercent >= th.CPUUnhealthy || snap.MemoryPercent >= th.MemoryUnhealthy:
			return Unhealthy(msg)
		case snap.CPUPercent >= th.CPUDegraded || snap.MemoryPercent >= th.MemoryDegraded:
			return Degraded(msg)
		default:
			return Healthy(msg)
		}
	}
}

func joinSorted(names []string) string {
	sorted := append([]string(nil), names...)
	slices.Sort(sorted)

	return strings.Join(sorted, ", ")
}
