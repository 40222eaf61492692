//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{name: "attempt 0 returns base", base: 100 * time.Millisecond, attempt: 0, expected: 100 * time.Millisecond},
		{name: "attempt 3 is 8x base", base: 100 * time.Millisecond, attempt: 3, expected: 800 * time.Millisecond},
		{name: "negative attempt treated as 0", base: time.Second, attempt: -4, expected: time.Second},
		{name: "zero base", base: 0, attempt: 5, expected: 0},
		{name: "overflow saturates", base: time.Hour, attempt: 100, expected: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestCapped(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 400*time.Millisecond, Capped(100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, Capped(100*time.Millisecond, time.Second, 10))
	assert.Equal(t, 1600*time.Millisecond, Capped(100*time.Millisecond, 0, 4))
}

func TestFullJitter_Range(t *testing.T) {
	t.Parallel()

	assert.Zero(t, FullJitter(0))
	assert.Zero(t, FullJitter(-time.Second))

	for range 200 {
		d := FullJitter(50 * time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 50*time.Millisecond)
	}
}

func TestExponentialWithJitter_RespectsCeiling(t *testing.T) {
	t.Parallel()

	for attempt := range 20 {
		assert.Less(t, ExponentialWithJitter(10*time.Millisecond, 200*time.Millisecond, attempt), 200*time.Millisecond)
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), 0))
	require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
