// Package backoff computes retry delays for the breaker recoverer: exponential
// growth, an upper cap and full jitter.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating at math.MaxInt64.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = min(max(attempt, 0), maxShift)
	multiplier := int64(1) << attempt

	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// Capped returns Exponential(base, attempt) limited to ceiling.
// A non-positive ceiling disables the cap.
func Capped(base, ceiling time.Duration, attempt int) time.Duration {
	d := Exponential(base, attempt)
	if ceiling > 0 && d > ceiling {
		return ceiling
	}

	return d
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(delay))) // #nosec G404 -- jitter, not security sensitive
}

// ExponentialWithJitter is FullJitter(Capped(base, ceiling, attempt)).
func ExponentialWithJitter(base, ceiling time.Duration, attempt int) time.Duration {
	return FullJitter(Capped(base, ceiling, attempt))
}

// SleepWithContext sleeps for d or until ctx is done, whichever comes first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
