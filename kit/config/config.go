package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable, e.g. RESILIENCE_REDIS_ADDRESS.
const Prefix = "RESILIENCE"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all process configuration.
type Config struct {
	Service  ServiceConfig  `envconfig:"SERVICE"`
	HTTP     HTTPConfig     `envconfig:"HTTP"`
	Log      LogConfig      `envconfig:"LOG"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	Cache    CacheConfig    `envconfig:"CACHE"`
	Breaker  BreakerConfig  `envconfig:"BREAKER"`
	Health   HealthConfig   `envconfig:"HEALTH"`
	Shutdown ShutdownConfig `envconfig:"SHUTDOWN"`
}

// ServiceConfig names the process.
type ServiceConfig struct {
	Name        string `envconfig:"NAME" default:"resilienced"`
	Environment string `envconfig:"ENV" default:"production"`
}

// HTTPConfig holds the probe server settings.
type HTTPConfig struct {
	Address string `envconfig:"ADDRESS" default:":8080"`
}

// LogConfig holds logging settings. An empty level follows the environment.
type LogConfig struct {
	Level string `envconfig:"LEVEL"`
}

// RedisConfig holds the shared cache tier connection.
type RedisConfig struct {
	Mode            string        `envconfig:"MODE" default:"standalone"`
	Addresses       []string      `envconfig:"ADDRESSES" default:"localhost:6379"`
	MasterName      string        `envconfig:"MASTER_NAME"`
	Username        string        `envconfig:"USERNAME"`
	Password        string        `envconfig:"PASSWORD"`
	DB              int           `envconfig:"DB" default:"0"`
	CACertBase64    string        `envconfig:"CA_CERT_BASE64"`
	PoolSize        int           `envconfig:"POOL_SIZE" default:"10"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ConnectAttempts uint64        `envconfig:"CONNECT_ATTEMPTS" default:"5"`
	ConnectBackoff  time.Duration `envconfig:"CONNECT_BACKOFF" default:"200ms"`
}

// CacheConfig holds cache manager settings.
type CacheConfig struct {
	Prefix        string        `envconfig:"PREFIX" default:"cache:"`
	BreakerName   string        `envconfig:"BREAKER_NAME" default:"cache"`
	DefaultTTL    time.Duration `envconfig:"DEFAULT_TTL" default:"1h"`
	SlowThreshold time.Duration `envconfig:"SLOW_THRESHOLD" default:"100ms"`
}

// BreakerConfig holds the cache breaker thresholds and the recovery loop.
type BreakerConfig struct {
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"5"`
	SuccessThreshold int           `envconfig:"SUCCESS_THRESHOLD" default:"2"`
	Timeout          time.Duration `envconfig:"TIMEOUT" default:"30s"`
	RecoveryInterval time.Duration `envconfig:"RECOVERY_INTERVAL" default:"15s"`
	RecoveryTimeout  time.Duration `envconfig:"RECOVERY_TIMEOUT" default:"3s"`
}

// HealthConfig holds probe timings and resource limits.
type HealthConfig struct {
	StartupGracePeriod time.Duration `envconfig:"STARTUP_GRACE_PERIOD" default:"10s"`
	CheckTimeout       time.Duration `envconfig:"CHECK_TIMEOUT" default:"5s"`
	LivenessTimeout    time.Duration `envconfig:"LIVENESS_TIMEOUT" default:"2s"`
	CriticalCheck      string        `envconfig:"CRITICAL_CHECK" default:"resources"`
	SampleInterval     time.Duration `envconfig:"SAMPLE_INTERVAL" default:"15s"`
	CPUDegraded        float64       `envconfig:"CPU_DEGRADED" default:"80"`
	CPUUnhealthy       float64       `envconfig:"CPU_UNHEALTHY" default:"95"`
	MemoryDegraded     float64       `envconfig:"MEMORY_DEGRADED" default:"85"`
	MemoryUnhealthy    float64       `envconfig:"MEMORY_UNHEALTHY" default:"95"`
}

// ShutdownConfig bounds teardown.
type ShutdownConfig struct {
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"30s"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(strings.TrimSpace(c.Service.Name) != "", "service name is required")
	check(strings.TrimSpace(c.HTTP.Address) != "", "http address is required")

	switch c.Redis.Mode {
	case "standalone":
		check(len(c.Redis.Addresses) == 1, "standalone redis needs exactly one address, got %d", len(c.Redis.Addresses))
	case "sentinel":
		check(len(c.Redis.Addresses) > 0, "sentinel redis needs addresses")
		check(c.Redis.MasterName != "", "sentinel redis needs a master name")
	case "cluster":
		check(len(c.Redis.Addresses) > 0, "cluster redis needs addresses")
	default:
		check(false, "unknown redis mode %q", c.Redis.Mode)
	}

	check(c.Redis.ConnectAttempts > 0, "redis connect attempts must be positive")
	check(c.Breaker.FailureThreshold > 0, "breaker failure threshold must be positive")
	check(c.Breaker.SuccessThreshold > 0, "breaker success threshold must be positive")
	check(c.Breaker.Timeout > 0, "breaker timeout must be positive")
	check(c.Breaker.RecoveryInterval > 0, "breaker recovery interval must be positive")
	check(c.Health.CheckTimeout > 0, "health check timeout must be positive")
	check(c.Health.LivenessTimeout > 0, "liveness timeout must be positive")
	check(c.Health.StartupGracePeriod >= 0, "startup grace period must not be negative")
	check(c.Health.CPUDegraded <= c.Health.CPUUnhealthy, "cpu degraded limit above unhealthy limit")
	check(c.Health.MemoryDegraded <= c.Health.MemoryUnhealthy, "memory degraded limit above unhealthy limit")
	check(c.Shutdown.Timeout > 0, "shutdown timeout must be positive")

	return errors.Join(errs...)
}
