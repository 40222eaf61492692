package cache

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/statgrid/lib-resilience/kit/circuitbreaker"
	"gonum.org/v1/gonum/stat"
)

// Health statuses reported by HealthCheck.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Stats is a point-in-time snapshot of the manager counters.
type Stats struct {
	Hits         int64                `json:"hits"`
	Misses       int64                `json:"misses"`
	Sets         int64                `json:"sets"`
	Deletes      int64                `json:"deletes"`
	Errors       int64                `json:"errors"`
	HitRate      float64              `json:"hit_rate"`
	MissRate     float64              `json:"miss_rate"`
	AvgLatency   time.Duration        `json:"avg_latency_ns"`
	MemoryUsed   int64                `json:"memory_used_bytes"` // -1 when INFO is unavailable
	MemoryHuman  string               `json:"memory_used_human,omitempty"`
	BreakerState circuitbreaker.State `json:"breaker_state"`
}

// HealthReport is the outcome of one HealthCheck.
type HealthReport struct {
	Status       string               `json:"status"`
	Latency      time.Duration        `json:"latency_ns"`
	BreakerState circuitbreaker.State `json:"breaker_state"`
	Message      string               `json:"message,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Stats snapshots the counters. Memory usage is read with INFO memory
// through the breaker: skipped while it is open, and its outcome never moves
// the breaker or the error counter.
func (m *Manager) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:         m.hits.Load(),
		Misses:       m.misses.Load(),
		Sets:         m.sets.Load(),
		Deletes:      m.deletes.Load(),
		Errors:       m.errors.Load(),
		AvgLatency:   m.avgLatency(),
		MemoryUsed:   -1,
		BreakerState: m.breaker.State(),
	}

	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
		s.MissRate = float64(s.Misses) / float64(total)
	}

	if !m.closed.Load() {
		infoCtx, cancel := context.WithTimeout(ctx, m.cfg.SlowThreshold*10)
		defer cancel()

		info, err := circuitbreaker.ExecutePassive(infoCtx, m.breaker, func(ctx context.Context) (string, error) {
			return m.client.Info(ctx, "memory").Result()
		})
		if err == nil {
			s.MemoryUsed, s.MemoryHuman = parseMemoryInfo(info)
		}
	}

	return s
}

func (m *Manager) avgLatency() time.Duration {
	m.latMu.Lock()
	defer m.latMu.Unlock()

	if len(m.latencies) == 0 {
		return 0
	}

	return time.Duration(stat.Mean(m.latencies, nil) * float64(time.Millisecond))
}

func parseMemoryInfo(info string) (int64, string) {
	used := int64(-1)
	human := ""

	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}

		switch k {
		case "used_memory":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				used = n
			}
		case "used_memory_human":
			human = v
		}
	}

	return used, human
}

// HealthCheck pings the store through the breaker.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	start := time.Now()

	_, err := run(ctx, m, "ping", func(ctx context.Context) (string, error) {
		return m.client.Ping(ctx).Result()
	})

	report := HealthReport{
		Latency:      time.Since(start),
		BreakerState: m.breaker.State(),
	}

	switch {
	case err != nil:
		report.Status = StatusUnhealthy
		report.Message = "cache unavailable"
		report.Error = err.Error()
	case report.BreakerState != circuitbreaker.StateClosed:
		report.Status = StatusDegraded
		report.Message = "cache breaker " + string(report.BreakerState)
	case report.Latency > m.cfg.SlowThreshold:
		report.Status = StatusDegraded
		report.Message = "cache responding slowly"
	default:
		report.Status = StatusHealthy
		report.Message = "cache operational"
	}

	return report
}
