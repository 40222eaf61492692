package main

import (
	"context"
	"crypto/tls"

	"github.com/statgrid/lib-resilience/kit/cache"
	"github.com/statgrid/lib-resilience/kit/circuitbreaker"
	"github.com/statgrid/lib-resilience/kit/config"
	"github.com/statgrid/lib-resilience/kit/health"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	libredis "github.com/statgrid/lib-resilience/kit/redis"
)

func redisConfig(cfg config.RedisConfig, logger log.Logger, factory *metrics.MetricsFactory) libredis.Config {
	out := libredis.Config{
		Options: libredis.ConnectionOptions{
			DB:          cfg.DB,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		},
		Logger:         logger,
		MetricsFactory: factory,
	}

	switch cfg.Mode {
	case "sentinel":
		out.Topology.Sentinel = &libredis.SentinelTopology{Addresses: cfg.Addresses, MasterName: cfg.MasterName}
	case "cluster":
		out.Topology.Cluster = &libredis.ClusterTopology{Addresses: cfg.Addresses}
	default:
		var addr string
		if len(cfg.Addresses) > 0 {
			addr = cfg.Addresses[0]
		}

		out.Topology.Standalone = &libredis.StandaloneTopology{Address: addr}
	}

	if cfg.Password != "" || cfg.Username != "" {
		out.Auth.StaticPassword = &libredis.StaticPasswordAuth{Username: cfg.Username, Password: cfg.Password}
	}

	if cfg.CACertBase64 != "" {
		out.TLS = &libredis.TLSConfig{CACertBase64: cfg.CACertBase64, MinVersion: tls.VersionTLS12}
	}

	return out
}

func cacheConfig(cfg *config.Config, factory *metrics.MetricsFactory) cache.Config {
	return cache.Config{
		Prefix:      cfg.Cache.Prefix,
		BreakerName: cfg.Cache.BreakerName,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          cfg.Breaker.Timeout,
		},
		DefaultTTL:     cfg.Cache.DefaultTTL,
		SlowThreshold:  cfg.Cache.SlowThreshold,
		MetricsFactory: factory,
	}
}

func probeConfig(cfg config.HealthConfig) health.Config {
	return health.Config{
		StartupGracePeriod: cfg.StartupGracePeriod,
		CheckTimeout:       cfg.CheckTimeout,
		LivenessTimeout:    cfg.LivenessTimeout,
		CriticalCheck:      cfg.CriticalCheck,
	}
}

// newProbeManager builds the probe manager whose detailed snapshot carries the
// breaker summary and cache statistics.
func newProbeManager(cfg config.HealthConfig, logger log.Logger, factory *metrics.MetricsFactory,
	registry *circuitbreaker.Registry, manager *cache.Manager,
) *health.ProbeManager {
	return health.NewProbeManager(probeConfig(cfg), logger,
		health.WithMetrics(factory),
		health.WithDependency("breakers", func(context.Context) any { return registry.HealthSummary() }),
		health.WithDependency("cache", func(ctx context.Context) any { return manager.Stats(ctx) }),
	)
}

func thresholds(cfg config.HealthConfig) health.Thresholds {
	return health.Thresholds{
		CPUDegraded:     cfg.CPUDegraded,
		CPUUnhealthy:    cfg.CPUUnhealthy,
		MemoryDegraded:  cfg.MemoryDegraded,
		MemoryUnhealthy: cfg.MemoryUnhealthy,
	}
}
