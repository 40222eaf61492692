package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/statgrid/lib-resilience/kit/backoff"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/runtime"
)

var (
	// ErrInvalidHealthCheckInterval indicates that the health check interval must be positive
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	// ErrInvalidHealthCheckTimeout indicates that the health check timeout must be positive
	ErrInvalidHealthCheckTimeout = errors.New("circuitbreaker: health check timeout must be positive")
)

// HealthCheckFunc probes a dependency out of band. Nil means reachable.
type HealthCheckFunc func(ctx context.Context) error

// Recoverer probes dependencies whose breaker is not closed and closes the
// breaker when the check succeeds. An open breaker is never checked before
// its Timeout has elapsed. Repeated failures back off exponentially up to eight
// intervals.
type Recoverer struct {
	registry     *Registry
	checks       map[string]HealthCheckFunc
	interval     time.Duration
	checkTimeout time.Duration
	logger       log.Logger

	attempts  map[string]int
	nextProbe map[string]time.Time
	now       func() time.Time

	immediate chan string
	stop      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
	mu        sync.Mutex
}

var _ StateChangeListener = (*Recoverer)(nil)

// NewRecoverer validates its arguments and subscribes to registry transitions.
func NewRecoverer(registry *Registry, interval, checkTimeout time.Duration, logger log.Logger) (*Recoverer, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}

	if logger == nil {
		return nil, ErrNilLogger
	}

	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	rc := &Recoverer{
		registry:     registry,
		checks:       make(map[string]HealthCheckFunc),
		interval:     interval,
		checkTimeout: checkTimeout,
		logger:       logger,
		attempts:     make(map[string]int),
		nextProbe:    make(map[string]time.Time),
		now:          time.Now,
		immediate:    make(chan string, 16),
		stop:         make(chan struct{}),
	}

	registry.RegisterStateChangeListener(rc)

	return rc, nil
}

// Register attaches a probe to the breaker called name.
func (rc *Recoverer) Register(name string, fn HealthCheckFunc) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.checks[name] = fn
	rc.logger.Log(context.Background(), log.LevelInfo, "registered breaker recovery probe", log.Breaker(name))
}

// Start launches the probe loop. Later calls are no-ops.
func (rc *Recoverer) Start(ctx context.Context) {
	rc.startOnce.Do(func() {
		rc.wg.Add(1)

		runtime.SafeGoWithContextAndComponent(ctx, rc.logger, "circuitbreaker", "recoverer", runtime.KeepRunning,
			func(ctx context.Context) {
				defer rc.wg.Done()

				rc.loop(ctx)
			})

		rc.logger.Log(ctx, log.LevelInfo, "breaker recoverer started", log.Duration("interval", rc.interval))
	})
}

// Stop ends the probe loop and waits for it. Safe to call more than once.
func (rc *Recoverer) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.stop)
	})

	rc.wg.Wait()
}

// Status maps every probed breaker to its current state.
func (rc *Recoverer) Status() map[string]string {
	rc.mu.Lock()
	names := make([]string, 0, len(rc.checks))

	for name := range rc.checks {
		names = append(names, name)
	}
	rc.mu.Unlock()

	status := make(map[string]string, len(names))

	for _, name := range names {
		if cb, ok := rc.registry.Get(name); ok {
			status[name] = string(cb.State())
		} else {
			status[name] = "unknown"
		}
	}

	return status
}

// OnStateChange queues a breaker that just opened so its first check is
// scheduled for the end of its open window.
func (rc *Recoverer) OnStateChange(name string, _ State, to State) {
	if to != StateOpen {
		return
	}

	select {
	case rc.immediate <- name:
	default:
		rc.logger.Log(context.Background(), log.LevelWarn, "recovery queue full, probing on next interval",
			log.Breaker(name))
	}
}

func (rc *Recoverer) loop(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.probeAll(ctx)
		case name := <-rc.immediate:
			rc.probe(ctx, name, true)
		case <-rc.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (rc *Recoverer) probeAll(ctx context.Context) {
	rc.mu.Lock()
	checks := maps.Clone(rc.checks)
	rc.mu.Unlock()

	for name := range checks {
		rc.probe(ctx, name, false)
	}
}

// probe runs the check for name. Scheduled probes honour the backoff window;
// immediate ones ignore it. Neither runs the check while the breaker's open
// window lasts.
func (rc *Recoverer) probe(ctx context.Context, name string, immediate bool) {
	rc.mu.Lock()
	fn, ok := rc.checks[name]
	notBefore := rc.nextProbe[name]
	rc.mu.Unlock()

	if !ok {
		return
	}

	cb, exists := rc.registry.Get(name)
	if !exists {
		return
	}

	stats := cb.Stats()
	if stats.State == StateClosed {
		return
	}

	if stats.State == StateOpen && rc.now().Before(stats.NextAttemptTime) {
		rc.mu.Lock()
		if rc.nextProbe[name].Before(stats.NextAttemptTime) {
			rc.nextProbe[name] = stats.NextAttemptTime
		}
		rc.mu.Unlock()

		return
	}

	if !immediate && rc.now().Before(notBefore) {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, rc.checkTimeout)
	err := runtime.CallSafely(checkCtx, rc.logger, "circuitbreaker", "recovery_probe", func() error {
		return fn(checkCtx)
	})

	cancel()

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err == nil {
		delete(rc.attempts, name)
		delete(rc.nextProbe, name)

		rc.logger.Log(ctx, log.LevelInfo, "dependency recovered, closing breaker", log.Breaker(name))
		cb.heal(ctx)

		return
	}

	rc.attempts[name]++
	delay := rc.interval + backoff.ExponentialWithJitter(rc.interval, 8*rc.interval, rc.attempts[name]-1)
	rc.nextProbe[name] = rc.now().Add(delay)

	rc.logger.Log(ctx, log.LevelWarn, "dependency still unhealthy",
		log.Breaker(name),
		log.Int("attempt", rc.attempts[name]),
		log.Duration("next_probe_in", delay),
		log.Err(err),
	)
}
