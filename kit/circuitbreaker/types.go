package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBreakerOpen is wrapped by every *BreakerOpenError.
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrInvalidConfig indicates a Config that failed validation.
	ErrInvalidConfig = errors.New("circuitbreaker: invalid config")
	// ErrNilLogger indicates that a nil logger was provided.
	ErrNilLogger = errors.New("circuitbreaker: logger must not be nil")
	// ErrEmptyName indicates that a breaker was registered without a name.
	ErrEmptyName = errors.New("circuitbreaker: name must not be empty")
	// ErrNilRegistry indicates that a nil registry was provided.
	ErrNilRegistry = errors.New("circuitbreaker: registry must not be nil")
)

// BreakerOpenError is returned instead of invoking the wrapped call while the
// breaker is open.
type BreakerOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Unwrap lets errors.Is(err, ErrBreakerOpen) match.
func (e *BreakerOpenError) Unwrap() error {
	return ErrBreakerOpen
}

// State represents circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// gaugeValue is the value exported on the breaker state gauge.
func (s State) gaugeValue() int64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Stats is a point-in-time copy of a breaker's state and counters.
type Stats struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failureCount"`
	SuccessCount     int           `json:"successCount"`
	FailureThreshold int           `json:"failureThreshold"`
	SuccessThreshold int           `json:"successThreshold"`
	Timeout          time.Duration `json:"timeout"`
	LastFailureTime  time.Time     `json:"lastFailureTime,omitzero"`
	NextAttemptTime  time.Time     `json:"nextAttemptTime,omitzero"`
	TotalCalls       int64         `json:"totalCalls"`
	TotalFailures    int64         `json:"totalFailures"`
	TotalSuccesses   int64         `json:"totalSuccesses"`
	TotalRejections  int64         `json:"totalRejections"`
}

// FailureRate is TotalFailures / TotalCalls, or 0 before the first call.
func (s Stats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}

	return float64(s.TotalFailures) / float64(s.TotalCalls)
}

// Transition is one recorded state change.
type Transition struct {
	Name   string    `json:"name"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Forced bool      `json:"forced"`
}

// StateChangeListener is notified when circuit breaker state changes.
// Notifications run on their own goroutine; a panicking listener is recovered.
type StateChangeListener interface {
	OnStateChange(name string, from State, to State)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(name string, from State, to State)

// OnStateChange calls f.
func (f StateChangeFunc) OnStateChange(name string, from State, to State) {
	f(name, from, to)
}
