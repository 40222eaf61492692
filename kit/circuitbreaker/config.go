package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive counted failures that open the breaker
	SuccessThreshold int           // Half-open successes that close it again
	Timeout          time.Duration // Time spent open before the next call may probe

	// IsFailure reports whether an error returned by the wrapped call counts
	// against the breaker. Errors it rejects are returned unchanged and leave
	// the counters alone. Nil means every error except context.Canceled.
	IsFailure func(error) bool
}

// DefaultConfig provides balanced settings for most services
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// AggressiveConfig for services requiring fast failure detection
func AggressiveConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          10 * time.Second,
	}
}

// ConservativeConfig for services that should tolerate more failures
func ConservativeConfig() Config {
	return Config{
		FailureThreshold: 10,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
	}
}

// HTTPServiceConfig suits remote HTTP APIs: trips early, probes again soon.
func HTTPServiceConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	}
}

// DatabaseConfig tolerates short network blips in front of a metadata store.
func DatabaseConfig() Config {
	return Config{
		FailureThreshold: 8,
		SuccessThreshold: 3,
		Timeout:          45 * time.Second,
	}
}

// CacheConfig guards the shared cache tier.
func CacheConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Validate checks thresholds and timeout.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be at least 1, got %d", ErrInvalidConfig, c.FailureThreshold)
	}

	if c.SuccessThreshold < 1 {
		return fmt.Errorf("%w: success threshold must be at least 1, got %d", ErrInvalidConfig, c.SuccessThreshold)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidConfig, c.Timeout)
	}

	return nil
}

func (c Config) countsAsFailure(err error) bool {
	if err == nil {
		return false
	}

	if c.IsFailure != nil {
		return c.IsFailure(err)
	}

	return !errors.Is(err, context.Canceled)
}

// ExpectErrors counts only errors matching one of targets via errors.Is.
func ExpectErrors(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}

		return false
	}
}

// ExpectErrorType counts only errors with an E somewhere in their chain.
func ExpectErrorType[E error]() func(error) bool {
	return func(err error) bool {
		var target E

		return errors.As(err, &target)
	}
}
