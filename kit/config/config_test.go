//go:build unit

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "resilienced", cfg.Service.Name)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, "standalone", cfg.Redis.Mode)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addresses)
	assert.Equal(t, uint64(5), cfg.Redis.ConnectAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Redis.ConnectBackoff)
	assert.Equal(t, "cache:", cfg.Cache.Prefix)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Health.StartupGracePeriod)
	assert.Equal(t, "resources", cfg.Health.CriticalCheck)
	assert.Equal(t, 30*time.Second, cfg.Shutdown.Timeout)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("RESILIENCE_SERVICE_NAME", "ingest")
	t.Setenv("RESILIENCE_REDIS_MODE", "cluster")
	t.Setenv("RESILIENCE_REDIS_ADDRESSES", "r1:6379,r2:6379,r3:6379")
	t.Setenv("RESILIENCE_BREAKER_FAILURE_THRESHOLD", "3")
	t.Setenv("RESILIENCE_BREAKER_TIMEOUT", "1s")
	t.Setenv("RESILIENCE_CACHE_DEFAULT_TTL", "5m")
	t.Setenv("RESILIENCE_HEALTH_CPU_DEGRADED", "70.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ingest", cfg.Service.Name)
	assert.Equal(t, "cluster", cfg.Redis.Mode)
	assert.Equal(t, []string{"r1:6379", "r2:6379", "r3:6379"}, cfg.Redis.Addresses)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.InDelta(t, 70.5, cfg.Health.CPUDegraded, 0.001)
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("RESILIENCE_BREAKER_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ValidationError(t *testing.T) {
	t.Setenv("RESILIENCE_BREAKER_FAILURE_THRESHOLD", "0")

	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Redis.Mode = "sentinel"
	cfg.Redis.MasterName = ""
	cfg.Breaker.SuccessThreshold = 0
	cfg.Health.MemoryDegraded = 99

	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "master name")
	assert.Contains(t, err.Error(), "success threshold")
	assert.Contains(t, err.Error(), "memory degraded")

	cfg.Redis.Mode = "mesh"
	assert.Contains(t, cfg.Validate().Error(), `unknown redis mode "mesh"`)
}

func TestValidate_StandaloneNeedsOneAddress(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Redis.Addresses = []string{"a:1", "b:2"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
