package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/statgrid/lib-resilience/kit/circuitbreaker"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/statgrid/lib-resilience/kit/cache"

// warnBurst caps store failure warnings; the rest go to debug.
const warnBurst = 5

// NoExpiry is the TTL reported for keys that never expire.
const NoExpiry time.Duration = -1

var (
	// ErrNilClient is returned by New when no Redis client is provided.
	ErrNilClient = errors.New("cache: redis client is nil")
	// ErrNilRegistry is returned by New when no breaker registry is provided.
	ErrNilRegistry = errors.New("cache: breaker registry is nil")
	// ErrClosed is recorded when an operation runs after Close.
	ErrClosed = errors.New("cache: manager closed")
)

// Config controls key layout, TTL defaults and the guarding breaker.
type Config struct {
	Prefix        string
	BreakerName   string
	Breaker       circuitbreaker.Config
	DefaultTTL    time.Duration // applied when Set gets ttl <= 0; zero means no expiry
	SlowThreshold time.Duration // PING latency above this reports degraded
	ScanBatch     int64
	LatencyWindow int

	MetricsFactory *metrics.MetricsFactory
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Prefix:        "cache:",
		BreakerName:   "cache",
		Breaker:       circuitbreaker.CacheConfig(),
		SlowThreshold: 100 * time.Millisecond,
		ScanBatch:     500,
		LatencyWindow: 100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}

	if strings.TrimSpace(c.BreakerName) == "" {
		c.BreakerName = d.BreakerName
	}

	if c.Breaker.FailureThreshold == 0 && c.Breaker.SuccessThreshold == 0 && c.Breaker.Timeout == 0 {
		isFailure := c.Breaker.IsFailure
		c.Breaker = d.Breaker
		c.Breaker.IsFailure = isFailure
	}

	if c.SlowThreshold <= 0 {
		c.SlowThreshold = d.SlowThreshold
	}

	if c.ScanBatch <= 0 {
		c.ScanBatch = d.ScanBatch
	}

	if c.LatencyWindow <= 0 {
		c.LatencyWindow = d.LatencyWindow
	}

	return c
}

// Manager is a breaker-guarded cache over a shared Redis client.
// The client belongs to the caller; Close only stops the manager.
type Manager struct {
	client  redis.UniversalClient
	breaker *circuitbreaker.CircuitBreaker
	cfg     Config
	logger  log.Logger
	metrics *metrics.MetricsFactory
	tracer  trace.Tracer
	closed  atomic.Bool

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64

	latMu     sync.Mutex
	latencies []float64
	latNext   int

	loads     singleflight.Group
	warnLimit *rate.Limiter
}

// New builds a Manager and registers its breaker, reusing an existing breaker
// with the same name.
func New(client redis.UniversalClient, registry *circuitbreaker.Registry, cfg Config, logger log.Logger) (*Manager, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	if registry == nil {
		return nil, ErrNilRegistry
	}

	cfg = cfg.withDefaults()

	cb, err := registry.Register(cfg.BreakerName, cfg.Breaker)
	if err != nil {
		return nil, err
	}

	return &Manager{
		client:    client,
		breaker:   cb,
		cfg:       cfg,
		logger:    log.OrNop(logger),
		metrics:   cfg.MetricsFactory,
		tracer:    otel.Tracer(tracerName),
		latencies: make([]float64, 0, cfg.LatencyWindow),
		warnLimit: rate.NewLimiter(rate.Every(time.Second), warnBurst),
	}, nil
}

// Breaker returns the breaker guarding the store.
func (m *Manager) Breaker() *circuitbreaker.CircuitBreaker {
	return m.breaker
}

// Close stops the manager. Later operations degrade without touching the store.
func (m *Manager) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.logger.Log(context.Background(), log.LevelInfo, "cache manager closed")
	}

	return nil
}

func (m *Manager) key(k string) string {
	return m.cfg.Prefix + k
}

func (m *Manager) tagKey(tag string) string {
	return m.cfg.Prefix + "tag:" + tag
}

// run executes fn through the breaker inside a cache.<op> span, recording
// latency and errors. Failures are logged here; callers only pick a default.
func run[T any](ctx context.Context, m *Manager, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := m.tracer.Start(ctx, "cache."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(attribute.String("cache.breaker", m.breaker.Name()))

	if m.closed.Load() {
		var zero T

		span.SetStatus(codes.Error, ErrClosed.Error())

		return zero, ErrClosed
	}

	start := time.Now()
	res, err := circuitbreaker.Execute(ctx, m.breaker, fn)
	m.observe(ctx, op, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache operation failed")
		m.fail(ctx, op, err)
	}

	return res, err
}

func (m *Manager) fail(ctx context.Context, op string, err error) {
	m.errors.Add(1)
	_ = m.metrics.RecordCacheError(ctx, op)

	level := log.LevelWarn
	if errors.Is(err, circuitbreaker.ErrBreakerOpen) || errors.Is(err, ErrClosed) || !m.warnLimit.Allow() {
		level = log.LevelDebug
	}

	m.logger.Log(ctx, level, "cache operation degraded",
		log.Operation(op),
		log.Err(err),
	)
}

func (m *Manager) observe(ctx context.Context, op string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	m.latMu.Lock()
	if len(m.latencies) < m.cfg.LatencyWindow {
		m.latencies = append(m.latencies, ms)
	} else {
		m.latencies[m.latNext] = ms
	}

	m.latNext = (m.latNext + 1) % m.cfg.LatencyWindow
	m.latMu.Unlock()

	_ = m.metrics.RecordCacheLatency(ctx, op, d.Milliseconds())
}

func (m *Manager) hit(ctx context.Context, op string) {
	m.hits.Add(1)
	_ = m.metrics.RecordCacheHit(ctx, op)
}

func (m *Manager) miss(ctx context.Context, op string) {
	m.misses.Add(1)
	_ = m.metrics.RecordCacheMiss(ctx, op)
}

// fetch reads the raw payload. A missing key is not an error.
func (m *Manager) fetch(ctx context.Context, op, key string) ([]byte, bool) {
	data, err := run(ctx, m, op, func(ctx context.Context) ([]byte, error) {
		b, err := m.client.Get(ctx, m.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return b, err
	})
	if err != nil || data == nil {
		m.miss(ctx, op)
		return nil, false
	}

	return data, true
}

func (m *Manager) decodeFailed(ctx context.Context, op, key string, err error) {
	m.errors.Add(1)
	m.miss(ctx, op)
	_ = m.metrics.RecordCacheError(ctx, op)

	m.logger.Log(ctx, log.LevelWarn, "cache payload decode failed",
		log.String("key", key),
		log.Err(err),
	)
}

// Get returns the value stored under key, or def when the key is missing or
// the store is unavailable. JSON numbers come back as int64 when integral and
// float64 otherwise. Binary payloads are decoded into def's type.
func (m *Manager) Get(ctx context.Context, key string, def any) any {
	data, ok := m.fetch(ctx, "get", key)
	if !ok {
		return def
	}

	v, err := decodeAny(data, def)
	if err != nil {
		m.decodeFailed(ctx, "get", key, err)
		return def
	}

	m.hit(ctx, "get")

	return v
}

// GetAs is Get with an exact typed round-trip.
func GetAs[T any](ctx context.Context, m *Manager, key string, def T) T {
	data, ok := m.fetch(ctx, "get", key)
	if !ok {
		return def
	}

	v, err := decodeInto[T](data)
	if err != nil {
		m.decodeFailed(ctx, "get", key, err)
		return def
	}

	m.hit(ctx, "get")

	return v
}

// tagScript adds a member to a tag set without ever shortening the set's
// expiry. A member stored without expiry makes the set persistent.
var tagScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
redis.call('SADD', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl <= 0 then
	redis.call('PERSIST', KEYS[1])
	return 0
end
local current = redis.call('PTTL', KEYS[1])
if existed == 0 or (current >= 0 and current < ttl) then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// Set stores value under key. A ttl <= 0 falls back to Config.DefaultTTL.
// Each tag set gets the key added and lives at least as long as its longest
// member; a member without expiry keeps the set forever.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) bool {
	data, err := encode(value)
	if err != nil {
		m.fail(ctx, "set", err)
		return false
	}

	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	full := m.key(key)

	_, err = run(ctx, m, "set", func(ctx context.Context) ([]redis.Cmder, error) {
		return m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, full, data, ttl)

			tagTTL := ttl.Milliseconds()
			if ttl > 0 {
				tagTTL = max(tagTTL, 1)
			}

			for _, tag := range tags {
				tagScript.Eval(ctx, p, []string{m.tagKey(tag)}, full, tagTTL)
			}

			return nil
		})
	})
	if err != nil {
		return false
	}

	m.sets.Add(1)

	return true
}

// Delete removes keys and returns how many existed.
func (m *Manager) Delete(ctx context.Context, keys ...string) int64 {
	if len(keys) == 0 {
		return 0
	}

	n, err := run(ctx, m, "delete", func(ctx context.Context) (int64, error) {
		return m.delEach(ctx, m.client, m.prefixed(keys))
	})
	if err != nil {
		return 0
	}

	m.deletes.Add(n)

	return n
}

func (m *Manager) prefixed(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = m.key(k)
	}

	return out
}

// delEach deletes full keys one command each in a single pipeline, so keys in
// different cluster slots never share a DEL.
func (m *Manager) delEach(ctx context.Context, c redis.Cmdable, fullKeys []string) (int64, error) {
	if len(fullKeys) == 0 {
		return 0, nil
	}

	cmds, err := c.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range fullKeys {
			p.Del(ctx, k)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	var n int64

	for _, cmd := range cmds {
		if del, ok := cmd.(*redis.IntCmd); ok {
			n += del.Val()
		}
	}

	return n, nil
}

// DeleteByPattern removes every key under the prefix matching the glob.
func (m *Manager) DeleteByPattern(ctx context.Context, pattern string) int64 {
	match := m.key(pattern)

	n, err := run(ctx, m, "delete_pattern", func(ctx context.Context) (int64, error) {
		if cluster, ok := m.client.(*redis.ClusterClient); ok {
			var total atomic.Int64

			err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
				removed, err := m.scanDelete(ctx, node, match)
				total.Add(removed)

				return err
			})

			return total.Load(), err
		}

		return m.scanDelete(ctx, m.client, match)
	})
	if err != nil {
		return 0
	}

	m.deletes.Add(n)

	return n
}

func (m *Manager) scanDelete(ctx context.Context, c redis.Cmdable, match string) (int64, error) {
	var (
		cursor uint64
		total  int64
	)

	for {
		keys, next, err := c.Scan(ctx, cursor, match, m.cfg.ScanBatch).Result()
		if err != nil {
			return total, err
		}

		if len(keys) > 0 {
			removed, err := m.delEach(ctx, c, keys)
			total += removed

			if err != nil {
				return total, err
			}
		}

		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// DeleteByTags removes every key recorded under the tags, then the tag sets.
// The count covers member keys only.
func (m *Manager) DeleteByTags(ctx context.Context, tags ...string) int64 {
	if len(tags) == 0 {
		return 0
	}

	n, err := run(ctx, m, "delete_tags", func(ctx context.Context) (int64, error) {
		seen := make(map[string]struct{})
		members := make([]string, 0)
		tagKeys := make([]string, 0, len(tags))

		for _, tag := range tags {
			tk := m.tagKey(tag)
			tagKeys = append(tagKeys, tk)

			keys, err := m.client.SMembers(ctx, tk).Result()
			if err != nil {
				return 0, err
			}

			for _, k := range keys {
				if _, dup := seen[k]; !dup {
					seen[k] = struct{}{}
					members = append(members, k)
				}
			}
		}

		removed, err := m.delEach(ctx, m.client, members)
		if err != nil {
			return removed, err
		}

		if _, err := m.delEach(ctx, m.client, tagKeys); err != nil {
			return removed, err
		}

		return removed, nil
	})
	if err != nil {
		return 0
	}

	m.deletes.Add(n)

	return n
}

// Exists reports whether key is present. Unavailable stores report false.
func (m *Manager) Exists(ctx context.Context, key string) bool {
	n, err := run(ctx, m, "exists", func(ctx context.Context) (int64, error) {
		return m.client.Exists(ctx, m.key(key)).Result()
	})

	return err == nil && n > 0
}

// TTL returns the remaining lifetime of key. It reports false when the key is
// missing or the store is unavailable, and NoExpiry for persistent keys.
func (m *Manager) TTL(ctx context.Context, key string) (time.Duration, bool) {
	d, err := run(ctx, m, "ttl", func(ctx context.Context) (time.Duration, error) {
		return m.client.TTL(ctx, m.key(key)).Result()
	})
	if err != nil {
		return 0, false
	}

	switch {
	case d == -2:
		return 0, false
	case d < 0:
		return NoExpiry, true
	default:
		return d, true
	}
}

// ExtendTTL resets the expiry of key to d from now.
func (m *Manager) ExtendTTL(ctx context.Context, key string, d time.Duration) bool {
	ok, err := run(ctx, m, "extend_ttl", func(ctx context.Context) (bool, error) {
		return m.client.Expire(ctx, m.key(key), d).Result()
	})

	return err == nil && ok
}

// GetOrSet returns the cached value for key, or loads, stores and returns it.
// Loader errors are returned; cache failures only cost a reload.
func GetOrSet[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, loader func(context.Context) (T, error), tags ...string) (T, error) {
	if data, ok := m.fetch(ctx, "get_or_set", key); ok {
		v, err := decodeInto[T](data)
		if err == nil {
			m.hit(ctx, "get_or_set")
			return v, nil
		}

		m.decodeFailed(ctx, "get_or_set", key, err)
	}

	// Concurrent misses on one key share a single loader call. Callers that
	// share a key must also share T.
	res, err, _ := m.loads.Do(key, func() (any, error) {
		v, err := loader(ctx)
		if err != nil {
			return v, err
		}

		m.Set(ctx, key, v, ttl, tags...)

		return v, nil
	})

	v, _ := res.(T)

	return v, err
}
