// Command resilienced hosts the resilience toolkit: a breaker-guarded Redis
// cache, the Kubernetes probe endpoints and Prometheus metrics, with an
// ordered graceful shutdown on SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/statgrid/lib-resilience/kit/cache"
	"github.com/statgrid/lib-resilience/kit/circuitbreaker"
	"github.com/statgrid/lib-resilience/kit/config"
	"github.com/statgrid/lib-resilience/kit/health"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	libredis "github.com/statgrid/lib-resilience/kit/redis"
	"github.com/statgrid/lib-resilience/kit/runtime"
	"github.com/statgrid/lib-resilience/kit/server"
	"github.com/statgrid/lib-resilience/kit/zap"
)

func main() {
	os.Exit(run(context.Background()))
}

func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	zl, err := zap.New(zap.Config{
		Environment:     zap.Environment(cfg.Service.Environment),
		Level:           cfg.Log.Level,
		OTelLibraryName: cfg.Service.Name,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := zl.With(log.String("service", cfg.Service.Name))

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Log(ctx, log.LevelError, "service stopped with error", log.Err(err))
		_ = logger.Sync(ctx)

		return 1
	}

	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger log.Logger) (err error) {
	tel, err := setupTelemetry(cfg.Service.Name)
	if err != nil {
		return err
	}

	factory, err := metrics.NewMetricsFactory(tel.meter(cfg.Service.Name), logger)
	if err != nil {
		return fmt.Errorf("create metrics factory: %w", err)
	}

	runtime.InitPanicMetrics(factory, logger)

	coordinator := server.NewShutdownCoordinator(logger,
		server.WithShutdownTimeout(cfg.Shutdown.Timeout),
		server.WithCoordinatorMetrics(factory),
	)

	// Wiring failures release whatever was already registered.
	defer func() {
		if err != nil {
			coordinator.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	if err := coordinator.AddHook("telemetry", tel.shutdown); err != nil {
		return err
	}

	redisClient, err := libredis.NewWithRetry(ctx, redisConfig(cfg.Redis, logger, factory),
		cfg.Redis.ConnectAttempts, cfg.Redis.ConnectBackoff)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	if err := coordinator.AddHook("redis", func(context.Context) error { return redisClient.Close() }); err != nil {
		return err
	}

	universal, err := redisClient.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("redis client: %w", err)
	}

	registry, err := circuitbreaker.NewRegistry(logger, circuitbreaker.WithMetrics(factory))
	if err != nil {
		return err
	}

	manager, err := cache.New(universal, registry, cacheConfig(cfg, factory), logger)
	if err != nil {
		return fmt.Errorf("create cache manager: %w", err)
	}

	if err := coordinator.AddHook("cache", func(context.Context) error { return manager.Close() }); err != nil {
		return err
	}

	recoverer, err := circuitbreaker.NewRecoverer(registry, cfg.Breaker.RecoveryInterval, cfg.Breaker.RecoveryTimeout, logger)
	if err != nil {
		return err
	}

	recoverer.Register(cfg.Cache.BreakerName, func(ctx context.Context) error {
		_, err := redisClient.Ping(ctx)
		return err
	})
	recoverer.Start(ctx)

	if err := coordinator.AddHook("recoverer", func(context.Context) error {
		recoverer.Stop()
		return nil
	}); err != nil {
		return err
	}

	sampler := health.NewResourceSampler(cfg.Health.SampleInterval, health.HostSample, factory, logger)
	sampler.Start(ctx)

	if err := coordinator.AddHook("sampler", func(context.Context) error {
		sampler.Stop()
		return nil
	}); err != nil {
		return err
	}

	probes := newProbeManager(cfg.Health, logger, factory, registry, manager)

	for name, check := range map[string]health.Check{
		"resources": health.ResourceCheck(sampler, thresholds(cfg.Health)),
		"breakers":  health.BreakerCheck(registry),
		"cache":     health.CacheCheck(manager),
	} {
		if err := probes.RegisterCheck(name, check); err != nil {
			return err
		}
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.Service.Name,
		DisableStartupMessage: true,
	})

	probes.Routes(app)
	app.Get("/metrics", adaptor.HTTPHandler(tel.handler()))
	mountOps(app, registry, manager)

	probes.MarkReady()

	logger.Log(ctx, log.LevelInfo, "service ready",
		log.String("address", cfg.HTTP.Address),
		log.String("redis_mode", cfg.Redis.Mode),
	)

	return server.NewServerManager(coordinator, probes, logger).
		WithHTTPServer(app, cfg.HTTP.Address).
		WithShutdownTimeout(cfg.Shutdown.HTTPTimeout).
		Run(ctx)
}

// mountOps exposes read-only breaker and cache statistics for operators.
func mountOps(router fiber.Router, registry *circuitbreaker.Registry, manager *cache.Manager) {
	ops := router.Group("/ops")

	ops.Get("/breakers", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"summary":  registry.HealthSummary(),
			"breakers": registry.Stats(),
		})
	})

	ops.Get("/cache", func(c *fiber.Ctx) error {
		return c.JSON(manager.Stats(c.UserContext()))
	})
}
