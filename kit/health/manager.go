package health

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	"github.com/statgrid/lib-resilience/kit/runtime"
)

// Config holds probe timings.
type Config struct {
	StartupGracePeriod time.Duration // uptime before Startup reports true
	CheckTimeout       time.Duration // per-check bound for readiness and detailed health
	LivenessTimeout    time.Duration // bound on the whole liveness probe
	CriticalCheck      string        // the only check liveness looks at
}

// DefaultConfig returns the probe defaults.
func DefaultConfig() Config {
	return Config{
		StartupGracePeriod: 10 * time.Second,
		CheckTimeout:       5 * time.Second,
		LivenessTimeout:    2 * time.Second,
		CriticalCheck:      "resources",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.StartupGracePeriod < 0 {
		c.StartupGracePeriod = 0
	}

	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}

	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = d.LivenessTimeout
	}

	if strings.TrimSpace(c.CriticalCheck) == "" {
		c.CriticalCheck = d.CriticalCheck
	}

	return c
}

// Option configures a ProbeManager.
type Option func(*ProbeManager)

// WithMetrics records every check outcome through factory.
func WithMetrics(factory *metrics.MetricsFactory) Option {
	return func(pm *ProbeManager) {
		pm.metrics = factory
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(pm *ProbeManager) {
		if now != nil {
			pm.now = now
		}
	}
}

// WithDependency adds a named summary to every detailed health snapshot.
// summary runs on each DetailedHealth call; a panic is reported as an error
// entry under the same name.
func WithDependency(name string, summary DependencySummary) Option {
	return func(pm *ProbeManager) {
		if strings.TrimSpace(name) != "" && summary != nil {
			pm.dependencies[name] = summary
		}
	}
}

// ProbeManager owns the registered checks and the ready/shutdown flags.
type ProbeManager struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics.MetricsFactory
	now     func() time.Time

	startedAt    time.Time
	ready        atomic.Bool
	shuttingDown atomic.Bool

	mu      sync.RWMutex
	checks  map[string]Check
	order   []string
	results map[string]CheckResult

	dependencies map[string]DependencySummary
}

// NewProbeManager creates a manager whose uptime starts now.
func NewProbeManager(cfg Config, logger log.Logger, opts ...Option) *ProbeManager {
	pm := &ProbeManager{
		cfg:     cfg.withDefaults(),
		logger:  log.OrNop(logger),
		now:     time.Now,
		checks:  make(map[string]Check),
		results: make(map[string]CheckResult),

		dependencies: make(map[string]DependencySummary),
	}

	for _, opt := range opts {
		opt(pm)
	}

	pm.startedAt = pm.now()

	return pm
}

// RegisterCheck adds or replaces the check called name.
func (pm *ProbeManager) RegisterCheck(name string, check Check) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyCheckName
	}

	if check == nil {
		return ErrNilCheck
	}

	pm.mu.Lock()
	if _, exists := pm.checks[name]; !exists {
		pm.order = append(pm.order, name)
	}

	pm.checks[name] = check
	pm.mu.Unlock()

	pm.logger.Log(context.Background(), log.LevelDebug, "health check registered", log.Check(name))

	return nil
}

// UnregisterCheck removes the check and its last result.
func (pm *ProbeManager) UnregisterCheck(name string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.checks[name]; !exists {
		return
	}

	delete(pm.checks, name)
	delete(pm.results, name)

	for i, n := range pm.order {
		if n == name {
			pm.order = append(pm.order[:i], pm.order[i+1:]...)
			break
		}
	}
}

// MarkReady lets readiness pass once checks allow it.
func (pm *ProbeManager) MarkReady() {
	if !pm.ready.Swap(true) {
		pm.logger.Log(context.Background(), log.LevelInfo, "service marked ready")
	}
}

// MarkNotReady fails readiness until MarkReady is called again.
func (pm *ProbeManager) MarkNotReady() {
	if pm.ready.Swap(false) {
		pm.logger.Log(context.Background(), log.LevelInfo, "service marked not ready")
	}
}

// RequestShutdown fails readiness for good. Liveness is unaffected.
func (pm *ProbeManager) RequestShutdown() {
	if !pm.shuttingDown.Swap(true) {
		pm.logger.Log(context.Background(), log.LevelInfo, "shutdown requested, readiness disabled")
	}
}

// ShuttingDown reports whether RequestShutdown was called.
func (pm *ProbeManager) ShuttingDown() bool {
	return pm.shuttingDown.Load()
}

// Uptime is the time since the manager was created.
func (pm *ProbeManager) Uptime() time.Duration {
	return pm.now().Sub(pm.startedAt)
}

// Startup reports whether the grace period has elapsed.
func (pm *ProbeManager) Startup() bool {
	return pm.Uptime() >= pm.cfg.StartupGracePeriod
}

// Liveness fails only when the critical check is unhealthy or does not answer
// within LivenessTimeout. Ready and shutdown flags are ignored.
func (pm *ProbeManager) Liveness(ctx context.Context) bool {
	pm.mu.RLock()
	check, ok := pm.checks[pm.cfg.CriticalCheck]
	pm.mu.RUnlock()

	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, pm.cfg.LivenessTimeout)
	defer cancel()

	res := pm.runCheck(ctx, pm.cfg.CriticalCheck, check, pm.cfg.LivenessTimeout)

	return res.Status != StatusUnhealthy
}

// Readiness requires MarkReady, no pending shutdown, and no unhealthy check.
func (pm *ProbeManager) Readiness(ctx context.Context) bool {
	if !pm.ready.Load() || pm.shuttingDown.Load() {
		return false
	}

	for _, r := range pm.RunChecks(ctx) {
		if r.Status == StatusUnhealthy {
			return false
		}
	}

	return true
}

// DetailedHealth runs every check and returns the aggregate snapshot. Until
// the grace period ends a healthy service reports starting.
func (pm *ProbeManager) DetailedHealth(ctx context.Context) ServiceHealth {
	results := pm.RunChecks(ctx)
	now := pm.now()

	status := Overall(results)
	if status == StatusHealthy && !pm.Startup() {
		status = StatusStarting
	}

	return ServiceHealth{
		Status:       status,
		Ready:        pm.ready.Load() && !pm.shuttingDown.Load(),
		ShuttingDown: pm.shuttingDown.Load(),
		StartedAt:    pm.startedAt,
		Uptime:       now.Sub(pm.startedAt),
		Checks:       results,
		Dependencies: pm.summarizeDependencies(ctx),
		Timestamp:    now,
	}
}

func (pm *ProbeManager) summarizeDependencies(ctx context.Context) map[string]any {
	if len(pm.dependencies) == 0 {
		return nil
	}

	out := make(map[string]any, len(pm.dependencies))

	for name, summary := range pm.dependencies {
		var v any

		err := runtime.CallSafely(ctx, pm.logger, "health", "dependency:"+name, func() error {
			v = summary(ctx)
			return nil
		})
		if err != nil {
			v = map[string]string{"error": err.Error()}
		}

		out[name] = v
	}

	return out
}

// Results returns the last stored outcome of every check without running them.
func (pm *ProbeManager) Results() map[string]CheckResult {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return maps.Clone(pm.results)
}

// RunChecks runs all registered checks concurrently and returns their results.
func (pm *ProbeManager) RunChecks(ctx context.Context) map[string]CheckResult {
	pm.mu.RLock()
	names := append([]string(nil), pm.order...)
	checks := maps.Clone(pm.checks)
	pm.mu.RUnlock()

	out := make(map[string]CheckResult, len(names))

	var (
		wg  sync.WaitGroup
		omu sync.Mutex
	)

	for _, name := range names {
		wg.Add(1)

		runtime.SafeGoWithContextAndComponent(ctx, pm.logger, "health", "check:"+name, runtime.KeepRunning,
			func(ctx context.Context) {
				defer wg.Done()

				res := pm.runCheck(ctx, name, checks[name], pm.cfg.CheckTimeout)

				omu.Lock()
				out[name] = res
				omu.Unlock()
			})
	}

	wg.Wait()

	return out
}

// runCheck executes one check under timeout and stores its result.
func (pm *ProbeManager) runCheck(ctx context.Context, name string, check Check, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := pm.now()
	done := make(chan Result, 1)

	runtime.SafeGoWithContextAndComponent(ctx, pm.logger, "health", "check:"+name, runtime.KeepRunning,
		func(ctx context.Context) {
			var res Result

			err := runtime.CallSafely(ctx, pm.logger, "health", name, func() error {
				res = check(ctx)
				return nil
			})
			if err != nil {
				res = Unhealthy(err.Error())
			}

			done <- res
		})

	var res Result

	select {
	case res = <-done:
		if res.Status == "" {
			res.Status = StatusUnhealthy
		}

		if res.Status != StatusUnhealthy && ctx.Err() != nil {
			res = Unhealthy(fmt.Sprintf("check exceeded %s", timeout))
		}
	case <-ctx.Done():
		res = Unhealthy(fmt.Sprintf("check exceeded %s", timeout))
	}

	return pm.store(ctx, name, res, pm.now().Sub(start))
}

func (pm *ProbeManager) store(ctx context.Context, name string, res Result, elapsed time.Duration) CheckResult {
	pm.mu.Lock()

	prev := pm.results[name]
	cr := CheckResult{
		Name:         name,
		Status:       res.Status,
		Message:      res.Message,
		ResponseTime: elapsed,
		CheckedAt:    pm.now(),
		CheckCount:   prev.CheckCount + 1,
		FailureCount: prev.FailureCount,
	}

	if res.Status == StatusUnhealthy {
		cr.FailureCount++
	}

	// a check unregistered while running leaves no result behind
	if _, registered := pm.checks[name]; registered {
		pm.results[name] = cr
	}
	pm.mu.Unlock()

	_ = pm.metrics.RecordProbeResult(context.WithoutCancel(ctx), name, string(res.Status))

	if res.Status == StatusUnhealthy {
		pm.logger.Log(ctx, log.LevelWarn, "health check unhealthy",
			log.Check(name),
			log.String("message", res.Message),
			log.Duration("elapsed", elapsed),
		)
	}

	return cr
}
