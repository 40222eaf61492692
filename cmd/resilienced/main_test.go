//go:build unit

package main

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/redis/go-redis/v9"
	"github.com/statgrid/lib-resilience/kit/cache"
	"github.com/statgrid/lib-resilience/kit/circuitbreaker"
	"github.com/statgrid/lib-resilience/kit/config"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisConfig_Topologies(t *testing.T) {
	standalone := redisConfig(config.RedisConfig{
		Mode:      "standalone",
		Addresses: []string{"cache:6379"},
		PoolSize:  4,
	}, log.NewNop(), nil)

	require.NotNil(t, standalone.Topology.Standalone)
	assert.Equal(t, "cache:6379", standalone.Topology.Standalone.Address)
	assert.Nil(t, standalone.Auth.StaticPassword)
	assert.Nil(t, standalone.TLS)
	assert.Equal(t, 4, standalone.Options.PoolSize)

	sentinel := redisConfig(config.RedisConfig{
		Mode:       "sentinel",
		Addresses:  []string{"s1:26379", "s2:26379"},
		MasterName: "primary",
		Password:   "secret",
	}, log.NewNop(), nil)

	require.NotNil(t, sentinel.Topology.Sentinel)
	assert.Equal(t, "primary", sentinel.Topology.Sentinel.MasterName)
	require.NotNil(t, sentinel.Auth.StaticPassword)
	assert.Equal(t, "secret", sentinel.Auth.StaticPassword.Password)

	cluster := redisConfig(config.RedisConfig{
		Mode:         "cluster",
		Addresses:    []string{"c1:6379", "c2:6379"},
		CACertBase64: "Zm9v",
	}, log.NewNop(), nil)

	require.NotNil(t, cluster.Topology.Cluster)
	assert.Len(t, cluster.Topology.Cluster.Addresses, 2)
	require.NotNil(t, cluster.TLS)
	assert.Equal(t, "Zm9v", cluster.TLS.CACertBase64)
}

func TestCacheConfig_CarriesBreakerSettings(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	cfg.Breaker.FailureThreshold = 3

	cc := cacheConfig(cfg, nil)

	assert.Equal(t, "cache:", cc.Prefix)
	assert.Equal(t, 3, cc.Breaker.FailureThreshold)
	assert.Equal(t, cfg.Breaker.Timeout, cc.Breaker.Timeout)
}

func TestOpsAndMetricsRoutes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tel, err := setupTelemetry("resilienced-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.shutdown(context.Background()) })

	factory, err := metrics.NewMetricsFactory(tel.meter("resilienced-test"), log.NewNop())
	require.NoError(t, err)

	registry, err := circuitbreaker.NewRegistry(log.NewNop(), circuitbreaker.WithMetrics(factory))
	require.NoError(t, err)

	manager, err := cache.New(client, registry, cache.Config{MetricsFactory: factory}, log.NewNop())
	require.NoError(t, err)

	require.True(t, manager.Set(context.Background(), "user:1", "ada", 0))
	assert.Equal(t, "ada", manager.Get(context.Background(), "user:1", nil))

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/metrics", adaptor.HTTPHandler(tel.handler()))
	mountOps(app, registry, manager)

	resp, err := app.Test(httptest.NewRequest("GET", "/ops/breakers", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"cache"`)

	resp, err = app.Test(httptest.NewRequest("GET", "/ops/cache", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestProbeManager_SnapshotCarriesDependencies(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry, err := circuitbreaker.NewRegistry(log.NewNop())
	require.NoError(t, err)

	manager, err := cache.New(client, registry, cache.Config{}, log.NewNop())
	require.NoError(t, err)

	cfg, err := config.Load()
	require.NoError(t, err)

	pm := newProbeManager(cfg.Health, log.NewNop(), nil, registry, manager)

	require.True(t, manager.Set(context.Background(), "k", 1, 0))

	h := pm.DetailedHealth(context.Background())
	require.Contains(t, h.Dependencies, "breakers")
	require.Contains(t, h.Dependencies, "cache")

	summary, ok := h.Dependencies["breakers"].(circuitbreaker.Summary)
	require.True(t, ok)
	assert.Equal(t, 1, summary.Total)

	stats, ok := h.Dependencies["cache"].(cache.Stats)
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Sets)
}
