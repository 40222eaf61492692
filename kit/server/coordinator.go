package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	"github.com/statgrid/lib-resilience/kit/runtime"
)

var (
	// ErrShutdownTimeout is the error of a hook abandoned at the deadline.
	ErrShutdownTimeout = errors.New("shutdown hook exceeded deadline")
	// ErrEmptyHookName is returned by AddHook for a blank name.
	ErrEmptyHookName = errors.New("server: hook name must not be empty")
	// ErrNilHook is returned by AddHook for a nil function.
	ErrNilHook = errors.New("server: hook must not be nil")
	// ErrShutdownStarted is returned by AddHook once shutdown has begun.
	ErrShutdownStarted = errors.New("server: shutdown already started")
)

// Hook releases one resource.
type Hook func(ctx context.Context) error

// HookResult is the outcome of one hook.
type HookResult struct {
	Name     string
	Err      error
	Duration time.Duration
	TimedOut bool
}

// Report collects every hook outcome in registration order.
type Report struct {
	Results  []HookResult
	Duration time.Duration
	TimedOut bool
}

// Err joins the errors of all failed hooks.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Results))

	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}

	return errors.Join(errs...)
}

type namedHook struct {
	name string
	fn   Hook
}

// CoordinatorOption configures a ShutdownCoordinator.
type CoordinatorOption func(*ShutdownCoordinator)

// WithShutdownTimeout bounds the whole hook phase. Defaults to 30 seconds.
func WithShutdownTimeout(d time.Duration) CoordinatorOption {
	return func(sc *ShutdownCoordinator) {
		if d > 0 {
			sc.timeout = d
		}
	}
}

// WithCoordinatorMetrics records hook durations and outcomes.
func WithCoordinatorMetrics(factory *metrics.MetricsFactory) CoordinatorOption {
	return func(sc *ShutdownCoordinator) {
		sc.metrics = factory
	}
}

// ShutdownCoordinator runs teardown hooks once.
type ShutdownCoordinator struct {
	logger  log.Logger
	metrics *metrics.MetricsFactory
	timeout time.Duration

	mu      sync.Mutex
	hooks   []namedHook
	started bool

	once   sync.Once
	report Report
	done   chan struct{}

	triggerOnce sync.Once
	triggered   chan struct{}
}

// NewShutdownCoordinator creates a coordinator. A nil logger is replaced by a no-op one.
func NewShutdownCoordinator(logger log.Logger, opts ...CoordinatorOption) *ShutdownCoordinator {
	sc := &ShutdownCoordinator{
		logger:    log.OrNop(logger),
		timeout:   30 * time.Second,
		done:      make(chan struct{}),
		triggered: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(sc)
	}

	return sc
}

// AddHook registers fn under name.
func (sc *ShutdownCoordinator) AddHook(name string, fn Hook) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyHookName
	}

	if fn == nil {
		return ErrNilHook
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.started {
		return ErrShutdownStarted
	}

	sc.hooks = append(sc.hooks, namedHook{name: name, fn: fn})

	return nil
}

// Trigger requests shutdown without running it. Wait picks it up.
func (sc *ShutdownCoordinator) Trigger() {
	sc.triggerOnce.Do(func() {
		close(sc.triggered)
	})
}

// Triggered is closed by the first Trigger.
func (sc *ShutdownCoordinator) Triggered() <-chan struct{} {
	return sc.triggered
}

// Done is closed once Shutdown has finished.
func (sc *ShutdownCoordinator) Done() <-chan struct{} {
	return sc.done
}

// ListenForSignals triggers the coordinator on the first of signals
// (SIGINT and SIGTERM when none are given). stop releases the signals.
func (sc *ShutdownCoordinator) ListenForSignals(ctx context.Context, signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	quit := make(chan struct{})

	runtime.SafeGoWithContextAndComponent(ctx, sc.logger, "server", "signal_listener", runtime.KeepRunning,
		func(ctx context.Context) {
			select {
			case sig := <-ch:
				sc.logger.Log(ctx, log.LevelInfo, "termination signal received", log.String("signal", sig.String()))
				sc.Trigger()
			case <-ctx.Done():
			case <-quit:
			}
		})

	var stopOnce sync.Once

	return func() {
		stopOnce.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

// Wait blocks until Trigger or ctx ends, then runs Shutdown.
func (sc *ShutdownCoordinator) Wait(ctx context.Context) Report {
	select {
	case <-sc.triggered:
	case <-ctx.Done():
	}

	return sc.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown runs every hook concurrently under the shutdown timeout and
// returns their outcomes. Later calls return the first report.
func (sc *ShutdownCoordinator) Shutdown(ctx context.Context) Report {
	sc.once.Do(func() {
		sc.Trigger()
		sc.report = sc.run(ctx)
		close(sc.done)
	})

	<-sc.done

	return sc.report
}

type indexedResult struct {
	idx int
	res HookResult
}

func (sc *ShutdownCoordinator) run(ctx context.Context) Report {
	sc.mu.Lock()
	sc.started = true
	hooks := append([]namedHook(nil), sc.hooks...)
	sc.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()

	start := time.Now()

	sc.logger.Log(ctx, log.LevelInfo, "shutdown started",
		log.Int("hooks", len(hooks)),
		log.Duration("timeout", sc.timeout),
	)

	results := make([]HookResult, len(hooks))
	finished := make([]bool, len(hooks))
	out := make(chan indexedResult, len(hooks))

	for i, h := range hooks {
		runtime.SafeGoWithContextAndComponent(ctx, sc.logger, "server", "shutdown_hook:"+h.name, runtime.KeepRunning,
			func(ctx context.Context) {
				hookStart := time.Now()

				err := runtime.CallSafely(ctx, sc.logger, "server", h.name, func() error {
					return h.fn(ctx)
				})

				out <- indexedResult{idx: i, res: HookResult{Name: h.name, Err: err, Duration: time.Since(hookStart)}}
			})
	}

	report := Report{}

collect:
	for pending := len(hooks); pending > 0; pending-- {
		select {
		case r := <-out:
			results[r.idx] = r.res
			finished[r.idx] = true

			sc.recordHook(ctx, r.res)
		case <-ctx.Done():
			report.TimedOut = true
			break collect
		}
	}

	for i, h := range hooks {
		if finished[i] {
			continue
		}

		res := HookResult{Name: h.name, Err: ErrShutdownTimeout, Duration: time.Since(start), TimedOut: true}
		results[i] = res

		sc.recordHook(ctx, res)
	}

	report.Results = results
	report.Duration = time.Since(start)

	level := log.LevelInfo
	if report.Err() != nil {
		level = log.LevelWarn
	}

	sc.logger.Log(ctx, level, "shutdown finished",
		log.Duration("elapsed", report.Duration),
		log.Bool("timed_out", report.TimedOut),
	)

	return report
}

func (sc *ShutdownCoordinator) recordHook(ctx context.Context, res HookResult) {
	outcome := "ok"

	switch {
	case res.TimedOut:
		outcome = "timeout"

		sc.logger.Log(ctx, log.LevelWarn, "shutdown hook abandoned",
			log.Hook(res.Name),
			log.Duration("elapsed", res.Duration),
		)
	case res.Err != nil:
		outcome = "error"

		sc.logger.Log(ctx, log.LevelError, "shutdown hook failed",
			log.Hook(res.Name),
			log.Err(res.Err),
		)
	default:
		sc.logger.Log(ctx, log.LevelDebug, "shutdown hook completed",
			log.Hook(res.Name),
			log.Duration("elapsed", res.Duration),
		)
	}

	_ = sc.metrics.RecordShutdownHook(context.WithoutCancel(ctx), res.Name, outcome, res.Duration.Milliseconds())
}
