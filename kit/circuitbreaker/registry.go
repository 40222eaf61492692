package circuitbreaker

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
)

// Registry is the process-wide directory of breakers, keyed by dependency name.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	listeners []StateChangeListener
	logger    log.Logger
	metrics   *metrics.MetricsFactory
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithMetrics wires a MetricsFactory into every breaker the registry creates.
func WithMetrics(factory *metrics.MetricsFactory) RegistryOption {
	return func(r *Registry) { r.metrics = factory }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger log.Logger, opts ...RegistryOption) (*Registry, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}

	r := &Registry{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns a lazily built registry with a no-op logger.
// Composition roots should construct and pass their own Registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry, _ = NewRegistry(log.NewNop())
	})

	return defaultRegistry
}

// Register returns the breaker called name, creating it from cfg if needed.
// cfg is ignored when the breaker already exists.
func (r *Registry) Register(name string, cfg Config) (*CircuitBreaker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}

	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists = r.breakers[name]; exists {
		return cb, nil
	}

	opts := []Option{
		WithLogger(r.logger),
		WithBreakerMetrics(r.metrics),
	}

	for _, l := range r.listeners {
		opts = append(opts, WithListener(l))
	}

	cb, err := New(name, cfg, opts...)
	if err != nil {
		return nil, err
	}

	r.breakers[name] = cb

	r.logger.Log(context.Background(), log.LevelInfo, "circuit breaker registered",
		log.Breaker(name),
		log.Int("failure_threshold", cfg.FailureThreshold),
		log.Int("success_threshold", cfg.SuccessThreshold),
		log.Duration("timeout", cfg.Timeout),
	)

	_ = r.metrics.RecordBreakerState(context.Background(), name, StateClosed.gaugeValue())

	return cb, nil
}

// Get returns the breaker called name.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cb, ok := r.breakers[name]

	return cb, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))

	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)

	return names
}

// Remove drops the breaker called name. It reports whether one existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[name]; !ok {
		return false
	}

	delete(r.breakers, name)

	return true
}

// IsHealthy reports whether the named breaker exists and is closed.
func (r *Registry) IsHealthy(name string) bool {
	cb, ok := r.Get(name)

	return ok && cb.State() == StateClosed
}

// Stats returns a snapshot of every breaker.
func (r *Registry) Stats() map[string]Stats {
	out := make(map[string]Stats)

	for _, cb := range r.snapshot() {
		out[cb.name] = cb.Stats()
	}

	return out
}

// Summary aggregates breaker states.
type Summary struct {
	Total     int      `json:"total"`
	Closed    int      `json:"closed"`
	Open      int      `json:"open"`
	HalfOpen  int      `json:"halfOpen"`
	Healthy   bool     `json:"healthy"`
	Status    string   `json:"status"`
	Unhealthy []string `json:"unhealthy,omitempty"`
}

// HealthSummary counts breakers per state. The registry is healthy only when
// every breaker is closed; otherwise its status is "degraded".
func (r *Registry) HealthSummary() Summary {
	s := Summary{}

	for _, cb := range r.snapshot() {
		s.Total++

		switch cb.State() {
		case StateClosed:
			s.Closed++
		case StateOpen:
			s.Open++
			s.Unhealthy = append(s.Unhealthy, cb.name)
		case StateHalfOpen:
			s.HalfOpen++
			s.Unhealthy = append(s.Unhealthy, cb.name)
		}
	}

	slices.Sort(s.Unhealthy)

	s.Healthy = s.Open == 0 && s.HalfOpen == 0
	s.Status = "healthy"

	if !s.Healthy {
		s.Status = "degraded"
	}

	return s
}

// RegisterStateChangeListener subscribes l to existing and future breakers.
func (r *Registry) RegisterStateChangeListener(l StateChangeListener) {
	if l == nil {
		r.logger.Log(context.Background(), log.LevelWarn, "attempted to register a nil state change listener")

		return
	}

	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))

	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.addListener(l)
	}
}

func (r *Registry) snapshot() []*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}

	return out
}
