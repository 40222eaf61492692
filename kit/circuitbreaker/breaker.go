package circuitbreaker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	"github.com/statgrid/lib-resilience/kit/runtime"
)

const transitionHistorySize = 50

// CircuitBreaker guards calls to one dependency.
// Admission and result recording run under mu; the wrapped call does not.
// Every transition starts a new generation, and a result only moves the
// counters of the generation that admitted its call.
type CircuitBreaker struct {
	name    string
	cfg     Config
	logger  log.Logger
	metrics *metrics.MetricsFactory
	now     func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailure     time.Time
	nextAttempt     time.Time
	totalCalls      int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64
	history         []Transition
	generation      uint64

	listenersMu sync.RWMutex
	listeners   []StateChangeListener
}

// Option customises a CircuitBreaker built with New.
type Option func(*CircuitBreaker)

// WithLogger sets the logger used for transition events.
func WithLogger(logger log.Logger) Option {
	return func(cb *CircuitBreaker) { cb.logger = log.OrNop(logger) }
}

// WithBreakerMetrics sets the factory used for transition and rejection metrics.
func WithBreakerMetrics(factory *metrics.MetricsFactory) Option {
	return func(cb *CircuitBreaker) { cb.metrics = factory }
}

// WithListener adds a state change listener.
func WithListener(l StateChangeListener) Option {
	return func(cb *CircuitBreaker) {
		if l != nil {
			cb.listeners = append(cb.listeners, l)
		}
	}
}

// New builds a standalone breaker. Most callers should use Registry.Register
// instead so that the breaker is shared.
func New(name string, cfg Config, opts ...Option) (*CircuitBreaker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("breaker %q: %w", name, err)
	}

	cb := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: log.NewNop(),
		now:    time.Now,
		state:  StateClosed,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb, nil
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the configuration the breaker was built with.
func (cb *CircuitBreaker) Config() Config {
	return cb.cfg
}

// State returns the current state without triggering the open to half-open move.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// Call runs fn through the breaker.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	return Execute(ctx, cb, fn)
}

// Do runs fn through the breaker for calls that only return an error.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Execute(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Execute runs fn through cb and returns its typed result.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	gen, err := cb.admit(ctx)
	if err != nil {
		return zero, err
	}

	result, err := fn(ctx)

	cb.record(ctx, gen, err)

	return result, err
}

// ExecutePassive runs fn only while cb is closed or half-open and never
// records the outcome, for auxiliary reads that must not move the breaker.
// An open breaker rejects the call without counting a rejection, even after
// its Timeout.
func ExecutePassive[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	cb.mu.Lock()
	state, next := cb.state, cb.nextAttempt
	cb.mu.Unlock()

	if state == StateOpen {
		return zero, &BreakerOpenError{Name: cb.name, RetryAfter: max(next.Sub(cb.now()), 0)}
	}

	return fn(ctx)
}

func (cb *CircuitBreaker) admit(ctx context.Context) (uint64, error) {
	cb.mu.Lock()

	cb.totalCalls++

	if cb.state != StateOpen {
		gen := cb.generation
		cb.mu.Unlock()

		return gen, nil
	}

	now := cb.now()
	if now.Before(cb.nextAttempt) {
		cb.totalRejections++
		retryAfter := cb.nextAttempt.Sub(now)
		cb.mu.Unlock()

		_ = cb.metrics.RecordBreakerRejection(ctx, cb.name)

		return 0, &BreakerOpenError{Name: cb.name, RetryAfter: retryAfter}
	}

	cb.successCount = 0
	t := cb.transitionLocked(StateHalfOpen, now, false)
	gen := cb.generation
	cb.mu.Unlock()

	cb.emit(ctx, t)

	return gen, nil
}

// record counts a result. Results from calls admitted before the latest
// transition only reach the cumulative totals.
func (cb *CircuitBreaker) record(ctx context.Context, gen uint64, err error) {
	if err != nil && !cb.cfg.countsAsFailure(err) {
		return
	}

	cb.mu.Lock()

	stale := gen != cb.generation

	var (
		t       Transition
		changed bool
	)

	now := cb.now()

	switch {
	case err == nil:
		cb.totalSuccesses++

		if stale {
			break
		}

		switch cb.state {
		case StateClosed:
			cb.failureCount = 0
		case StateHalfOpen:
			cb.successCount++
			if cb.successCount >= cb.cfg.SuccessThreshold {
				cb.failureCount = 0
				cb.successCount = 0
				t, changed = cb.transitionLocked(StateClosed, now, false), true
			}
		}
	default:
		cb.totalFailures++
		cb.lastFailure = now

		if stale {
			break
		}

		switch cb.state {
		case StateClosed:
			cb.failureCount++
			if cb.failureCount >= cb.cfg.FailureThreshold {
				cb.nextAttempt = now.Add(cb.cfg.Timeout)
				t, changed = cb.transitionLocked(StateOpen, now, false), true
			}
		case StateHalfOpen:
			cb.failureCount++
			cb.successCount = 0
			cb.nextAttempt = now.Add(cb.cfg.Timeout)
			t, changed = cb.transitionLocked(StateOpen, now, false), true
		}
	}

	cb.mu.Unlock()

	if changed {
		cb.emit(ctx, t)
	}
}

// Stats returns a snapshot. It never changes state.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:             cb.name,
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		FailureThreshold: cb.cfg.FailureThreshold,
		SuccessThreshold: cb.cfg.SuccessThreshold,
		Timeout:          cb.cfg.Timeout,
		LastFailureTime:  cb.lastFailure,
		NextAttemptTime:  cb.nextAttempt,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		TotalRejections:  cb.totalRejections,
	}
}

// ForceOpen opens the breaker for one Timeout regardless of its counters.
func (cb *CircuitBreaker) ForceOpen() {
	cb.force(func(now time.Time) State {
		cb.successCount = 0
		cb.nextAttempt = now.Add(cb.cfg.Timeout)

		return StateOpen
	})
}

// ForceClose closes the breaker and clears both counters.
func (cb *CircuitBreaker) ForceClose() {
	cb.force(func(time.Time) State {
		cb.failureCount = 0
		cb.successCount = 0

		return StateClosed
	})
}

// ForceHalfOpen lets the next calls probe the dependency immediately.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.force(func(time.Time) State {
		cb.successCount = 0

		return StateHalfOpen
	})
}

func (cb *CircuitBreaker) force(apply func(now time.Time) State) {
	cb.mu.Lock()
	now := cb.now()
	to := apply(now)
	t := cb.transitionLocked(to, now, true)
	cb.mu.Unlock()

	cb.emit(context.Background(), t)
}

// heal walks an open breaker through half-open to closed in one step, used
// when an out-of-band health check proves the dependency is back.
func (cb *CircuitBreaker) heal(ctx context.Context) {
	cb.mu.Lock()

	if cb.state == StateClosed {
		cb.mu.Unlock()

		return
	}

	now := cb.now()

	var steps []Transition

	if cb.state == StateOpen {
		steps = append(steps, cb.transitionLocked(StateHalfOpen, now, true))
	}

	cb.failureCount = 0
	cb.successCount = 0
	steps = append(steps, cb.transitionLocked(StateClosed, now, true))
	cb.mu.Unlock()

	for _, t := range steps {
		cb.emit(ctx, t)
	}
}

// ResetStats zeroes the cumulative counters; state is unchanged.
func (cb *CircuitBreaker) ResetStats() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.totalRejections = 0
}

// Transitions returns up to the last 50 transitions, oldest first.
func (cb *CircuitBreaker) Transitions() []Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]Transition, len(cb.history))
	copy(out, cb.history)

	return out
}

func (cb *CircuitBreaker) addListener(l StateChangeListener) {
	cb.listenersMu.Lock()
	defer cb.listenersMu.Unlock()

	cb.listeners = append(cb.listeners, l)
}

func (cb *CircuitBreaker) transitionLocked(to State, at time.Time, forced bool) Transition {
	t := Transition{Name: cb.name, From: cb.state, To: to, At: at, Forced: forced}
	cb.state = to
	cb.generation++

	if len(cb.history) == transitionHistorySize {
		copy(cb.history, cb.history[1:])
		cb.history = cb.history[:transitionHistorySize-1]
	}

	cb.history = append(cb.history, t)

	return t
}

// emit logs, counts and fans out a transition. Called without mu held.
func (cb *CircuitBreaker) emit(ctx context.Context, t Transition) {
	level := log.LevelWarn

	switch t.To {
	case StateOpen:
		level = log.LevelError
	case StateClosed, StateHalfOpen:
		level = log.LevelInfo
	}

	cb.logger.Log(ctx, level, "circuit breaker state changed",
		log.Breaker(t.Name),
		log.String("from", string(t.From)),
		log.String("to", string(t.To)),
		log.Bool("forced", t.Forced),
	)

	if err := cb.metrics.RecordBreakerTransition(ctx, t.Name, string(t.From), string(t.To)); err != nil {
		cb.logger.Log(ctx, log.LevelWarn, "failed to record breaker transition", log.Err(err))
	}

	_ = cb.metrics.RecordBreakerState(ctx, t.Name, t.To.gaugeValue())

	cb.listenersMu.RLock()
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	cb.listenersMu.RUnlock()

	for _, l := range listeners {
		runtime.SafeGoWithContextAndComponent(context.WithoutCancel(ctx), cb.logger, "circuitbreaker", "state_change_listener",
			runtime.KeepRunning, func(context.Context) {
				l.OnStateChange(t.Name, t.From, t.To)
			})
	}
}
