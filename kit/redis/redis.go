package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/statgrid/lib-resilience/kit/redis"

var (
	// ErrNilClient is returned when a redis client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
)

// Config defines Redis client topology, auth, TLS, and connection settings.
type Config struct {
	Topology       Topology
	TLS            *TLSConfig
	Auth           Auth
	Options        ConnectionOptions
	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
}

// Topology selects exactly one Redis deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

// StandaloneTopology configures single-node Redis access.
type StandaloneTopology struct {
	Address string
}

// SentinelTopology configures Redis Sentinel access.
type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

// ClusterTopology configures Redis cluster access.
type ClusterTopology struct {
	Addresses []string
}

// TLSConfig configures TLS validation for Redis connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// Auth selects the Redis authentication strategy.
type Auth struct {
	StaticPassword *StaticPasswordAuth
}

// StaticPasswordAuth authenticates using a static password.
type StaticPasswordAuth struct {
	Username string
	Password string
}

// String returns a redacted representation to prevent accidental credential logging.
func (a StaticPasswordAuth) String() string {
	return fmt.Sprintf("StaticPasswordAuth{Username:%s, Password:REDACTED}", a.Username)
}

// GoString returns a redacted representation for fmt %#v.
func (a StaticPasswordAuth) GoString() string { return a.String() }

// ConnectionOptions configures protocol, timeouts, pools, and retries.
type ConnectionOptions struct {
	DB              int
	Protocol        int
	PoolSize        int
	MinIdleConns    int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DialTimeout     time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Mode names the topology a client is connected with.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeSentinel   Mode = "sentinel"
	ModeCluster    Mode = "cluster"
)

// Status reports client connectivity.
type Status struct {
	Connected   bool
	Mode        Mode
	ConnectedAt time.Time
	LastError   error
}

var connectionFailuresMetric = metrics.Metric{
	Name:        "redis.connection.failures",
	Unit:        "1",
	Description: "Redis connection failures by operation.",
}

// Client owns the go-redis UniversalClient shared by the cache manager.
type Client struct {
	mu          sync.RWMutex
	cfg         Config
	logger      log.Logger
	metrics     *metrics.MetricsFactory
	client      redis.UniversalClient
	connected   bool
	connectedAt time.Time
	lastErr     error
}

// New validates config, connects to Redis, and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     normalized,
		logger:  normalized.Logger,
		metrics: normalized.MetricsFactory,
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// NewWithRetry is New with up to attempts connection attempts spaced by an
// exponential backoff starting at base. Config errors are not retried.
func NewWithRetry(ctx context.Context, cfg Config, attempts uint64, base time.Duration) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	if attempts == 0 {
		attempts = 1
	}

	if base <= 0 {
		base = 100 * time.Millisecond
	}

	c := &Client{
		cfg:     normalized,
		logger:  normalized.Logger,
		metrics: normalized.MetricsFactory,
	}

	b := retry.WithMaxRetries(attempts-1, retry.WithJitterPercent(10, retry.NewExponential(base)))

	attempt := 0

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++

		if err := c.Connect(ctx); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "redis connection attempt failed",
				log.Int("attempt", attempt), log.Err(err))

			return retry.RetryableError(err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis connect after %d attempts: %w", attempt, err)
	}

	return c, nil
}

// Connect (re)establishes the Redis connection.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "redis.connect",
		trace.WithAttributes(attribute.String("db.system", "redis")))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		c.lastErr = err
		c.recordConnectionFailure(ctx, "connect")

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to connect to redis")

		return err
	}

	return nil
}

// GetClient returns the connected client.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client, nil
}

// Ping measures one PING round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	client, err := c.GetClient(ctx)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()

		return time.Since(start), fmt.Errorf("redis ping: %w", err)
	}

	return time.Since(start), nil
}

// Close closes the underlying Redis client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	if err != nil {
		return fmt.Errorf("redis close: %w", err)
	}

	c.logger.Log(context.Background(), log.LevelInfo, "redis connection closed")

	return nil
}

// Status returns a snapshot of connectivity.
func (c *Client) Status() (Status, error) {
	if c == nil {
		return Status{}, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return Status{
		Connected:   c.connected,
		Mode:        c.cfg.mode(),
		ConnectedAt: c.connectedAt,
		LastError:   c.lastErr,
	}, nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	opts, err := c.cfg.universalOptions()
	if err != nil {
		return fmt.Errorf("redis connect: build options: %w", err)
	}

	c.logger.Log(ctx, log.LevelInfo, "connecting to redis", log.String("mode", string(c.cfg.mode())))

	rdb := redis.NewUniversalClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		c.connected = false

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "close of previous redis client failed", log.Err(err))
		}
	}

	c.client = rdb
	c.connected = true
	c.connectedAt = time.Now()
	c.lastErr = nil

	c.logger.Log(ctx, log.LevelInfo, "connected to redis", log.String("mode", string(c.cfg.mode())))

	if c.cfg.TLS == nil {
		c.logger.Log(ctx, log.LevelDebug, "redis connection established without TLS")
	}

	return nil
}

func (c *Client) recordConnectionFailure(ctx context.Context, operation string) {
	if c.metrics == nil {
		return
	}

	counter, err := c.metrics.Counter(connectionFailuresMetric)
	if err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to create redis metric counter", log.Err(err))

		return
	}

	if err := counter.WithLabels(map[string]string{"operation": operation}).AddOne(ctx); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to record redis metric", log.Err(err))
	}
}

func (cfg Config) mode() Mode {
	switch {
	case cfg.Topology.Cluster != nil:
		return ModeCluster
	case cfg.Topology.Sentinel != nil:
		return ModeSentinel
	default:
		return ModeStandalone
	}
}

func (cfg Config) universalOptions() (*redis.UniversalOptions, error) {
	o := cfg.Options
	opts := &redis.UniversalOptions{
		DB:              o.DB,
		Protocol:        o.Protocol,
		PoolSize:        o.PoolSize,
		MinIdleConns:    o.MinIdleConns,
		ReadTimeout:     o.ReadTimeout,
		WriteTimeout:    o.WriteTimeout,
		DialTimeout:     o.DialTimeout,
		PoolTimeout:     o.PoolTimeout,
		MaxRetries:      o.MaxRetries,
		MinRetryBackoff: o.MinRetryBackoff,
		MaxRetryBackoff: o.MaxRetryBackoff,
	}

	switch {
	case cfg.Topology.Standalone != nil:
		opts.Addrs = []string{cfg.Topology.Standalone.Address}
	case cfg.Topology.Sentinel != nil:
		opts.Addrs = cfg.Topology.Sentinel.Addresses
		opts.MasterName = cfg.Topology.Sentinel.MasterName
	case cfg.Topology.Cluster != nil:
		opts.Addrs = cfg.Topology.Cluster.Addresses
	}

	// An empty Addrs would make go-redis fall back to localhost:6379.
	if len(opts.Addrs) == 0 {
		return nil, configError("no topology configured: at least one address is required")
	}

	if cfg.Auth.StaticPassword != nil {
		opts.Username = cfg.Auth.StaticPassword.Username
		opts.Password = cfg.Auth.StaticPassword.Password
	}

	if cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("redis: TLS config: %w", err)
		}

		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

const maxPoolSize = 1000

func normalizeConfig(cfg Config) (Config, error) {
	cfg.Logger = log.OrNop(cfg.Logger)

	o := &cfg.Options

	if o.PoolSize == 0 {
		o.PoolSize = 10
	}

	o.PoolSize = min(o.PoolSize, maxPoolSize)

	if o.ReadTimeout == 0 {
		o.ReadTimeout = 3 * time.Second
	}

	if o.WriteTimeout == 0 {
		o.WriteTimeout = 3 * time.Second
	}

	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}

	if o.PoolTimeout == 0 {
		o.PoolTimeout = 2 * time.Second
	}

	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}

	if o.MinRetryBackoff == 0 {
		o.MinRetryBackoff = 8 * time.Millisecond
	}

	if o.MaxRetryBackoff == 0 {
		o.MaxRetryBackoff = time.Second
	}

	if cfg.TLS != nil && cfg.TLS.MinVersion < tls.VersionTLS12 {
		cfg.TLS.MinVersion = tls.VersionTLS12
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if err := validateTopology(cfg.Topology); err != nil {
		return err
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return configError("TLS CA cert is required when TLS is configured")
	}

	return nil
}

func validateTopology(topology Topology) error {
	count := 0

	if topology.Standalone != nil {
		count++

		if strings.TrimSpace(topology.Standalone.Address) == "" {
			return configError("standalone address is required")
		}
	}

	if topology.Sentinel != nil {
		count++

		if strings.TrimSpace(topology.Sentinel.MasterName) == "" {
			return configError("sentinel master name is required")
		}

		if err := validateAddresses("sentinel", topology.Sentinel.Addresses); err != nil {
			return err
		}
	}

	if topology.Cluster != nil {
		count++

		if err := validateAddresses("cluster", topology.Cluster.Addresses); err != nil {
			return err
		}
	}

	if count != 1 {
		return configError("exactly one topology must be configured")
	}

	return nil
}

func validateAddresses(kind string, addresses []string) error {
	if len(addresses) == 0 {
		return configError(kind + " addresses are required")
	}

	for _, address := range addresses {
		if strings.TrimSpace(address) == "" {
			return configError(kind + " addresses cannot be empty")
		}
	}

	return nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("adding CA cert failed")
	}

	tlsConfig := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.MinVersion == tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig, nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
