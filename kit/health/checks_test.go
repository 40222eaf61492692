//go:build unit

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/statgrid/lib-resilience/kit/cache"
	"github.com/statgrid/lib-resilience/kit/circuitbreaker"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerCheck(t *testing.T) {
	registry, err := circuitbreaker.NewRegistry(log.NewNop())
	require.NoError(t, err)

	check := BreakerCheck(registry)
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, check(ctx).Status)

	api, err := registry.Register("api", circuitbreaker.DefaultConfig())
	require.NoError(t, err)
	db, err := registry.Register("db", circuitbreaker.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusHealthy, check(ctx).Status)

	api.ForceHalfOpen()

	res := check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "api")

	db.ForceOpen()

	res = check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "db")

	assert.Equal(t, StatusUnhealthy, BreakerCheck(nil)(ctx).Status)
}

type stubReporter struct {
	report cache.HealthReport
}

func (s stubReporter) HealthCheck(context.Context) cache.HealthReport {
	return s.report
}

func TestCacheCheck_MapsStatus(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		report cache.HealthReport
		want   Status
	}{
		{report: cache.HealthReport{Status: cache.StatusHealthy}, want: StatusHealthy},
		{report: cache.HealthReport{Status: cache.StatusDegraded}, want: StatusDegraded},
		{report: cache.HealthReport{Status: cache.StatusUnhealthy, Error: "refused"}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		res := CacheCheck(stubReporter{report: tt.report})(ctx)
		assert.Equal(t, tt.want, res.Status)
	}

	res := CacheCheck(stubReporter{report: cache.HealthReport{Status: cache.StatusUnhealthy, Error: "refused"}})(ctx)
	assert.Contains(t, res.Message, "refused")
}

func TestCacheCheck_WithManager(t *testing.T) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	registry, err := circuitbreaker.NewRegistry(log.NewNop())
	require.NoError(t, err)

	m, err := cache.New(client, registry, cache.Config{}, log.NewNop())
	require.NoError(t, err)

	pm := NewProbeManager(Config{}, log.NewNop())
	require.NoError(t, pm.RegisterCheck("cache", CacheCheck(m)))
	require.NoError(t, pm.RegisterCheck("breakers", BreakerCheck(registry)))
	pm.MarkReady()

	ctx := context.Background()
	assert.True(t, pm.Readiness(ctx))

	mr.Close()

	assert.False(t, pm.Readiness(ctx))
	assert.Equal(t, StatusUnhealthy, pm.Results()["cache"].Status)
}

func TestResourceCheck(t *testing.T) {
	ctx := context.Background()

	var snap ResourceSnapshot

	sampler := NewResourceSampler(time.Hour, func(context.Context) (ResourceSnapshot, error) {
		return snap, nil
	}, nil, log.NewNop())

	check := ResourceCheck(sampler, DefaultThresholds())

	assert.Equal(t, StatusStarting, check(ctx).Status)

	snap = ResourceSnapshot{CPUPercent: 10, MemoryPercent: 20}
	sampler.SampleNow(ctx)
	assert.Equal(t, StatusHealthy, check(ctx).Status)

	snap = ResourceSnapshot{CPUPercent: 85, MemoryPercent: 20}
	sampler.SampleNow(ctx)
	assert.Equal(t, StatusDegraded, check(ctx).Status)

	snap = ResourceSnapshot{CPUPercent: 10, MemoryPercent: 97}
	sampler.SampleNow(ctx)

	res := check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "memory 97.0%")
}

func TestResourceSampler_Loop(t *testing.T) {
	calls := make(chan struct{}, 16)

	sampler := NewResourceSampler(10*time.Millisecond, func(context.Context) (ResourceSnapshot, error) {
		select {
		case calls <- struct{}{}:
		default:
		}

		return ResourceSnapshot{CPUPercent: 1}, nil
	}, nil, log.NewNop())

	sampler.Start(context.Background())
	sampler.Start(context.Background())

	for range 3 {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("sampler did not tick")
		}
	}

	sampler.Stop()
	sampler.Stop()

	snap, ok := sampler.Latest()
	require.True(t, ok)
	assert.InDelta(t, 1.0, snap.CPUPercent, 0.001)
	assert.False(t, snap.SampledAt.IsZero())
}

func TestResourceSampler_ErrorKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	fail := false

	sampler := NewResourceSampler(time.Hour, func(context.Context) (ResourceSnapshot, error) {
		if fail {
			return ResourceSnapshot{}, errors.New("procfs unavailable")
		}

		return ResourceSnapshot{MemoryPercent: 42}, nil
	}, nil, log.NewNop())

	sampler.SampleNow(ctx)
	fail = true
	sampler.SampleNow(ctx)

	snap, ok := sampler.Latest()
	require.True(t, ok)
	assert.InDelta(t, 42.0, snap.MemoryPercent, 0.001)
}

func TestResourceSampler_StopWithoutStart(t *testing.T) {
	sampler := NewResourceSampler(0, nil, nil, nil)

	assert.NotPanics(t, sampler.Stop)
}
