package health

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyCheckName is returned when a check is registered without a name.
var ErrEmptyCheckName = errors.New("health: check name must not be empty")

// ErrNilCheck is returned when a nil check is registered.
var ErrNilCheck = errors.New("health: check must not be nil")

// Status is the verdict of one check or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusStarting  Status = "starting"
)

// severity orders statuses for the worst-of rule.
func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusStarting:
		return 1
	default:
		return 0
	}
}

// Result is what a check reports.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Healthy, Degraded and Unhealthy build results.
func Healthy(msg string) Result   { return Result{Status: StatusHealthy, Message: msg} }
func Degraded(msg string) Result  { return Result{Status: StatusDegraded, Message: msg} }
func Unhealthy(msg string) Result { return Result{Status: StatusUnhealthy, Message: msg} }

// Check inspects one dependency.
type Check func(ctx context.Context) Result

// CheckFunc adapts a function returning a bare status and message.
func CheckFunc(fn func(ctx context.Context) (Status, string)) Check {
	return func(ctx context.Context) Result {
		s, msg := fn(ctx)
		return Result{Status: s, Message: msg}
	}
}

// CheckResult is the last outcome of a registered check.
type CheckResult struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Message      string        `json:"message,omitempty"`
	ResponseTime time.Duration `json:"response_time_ns"`
	CheckedAt    time.Time     `json:"checked_at"`
	CheckCount   int64         `json:"check_count"`
	FailureCount int64         `json:"failure_count"`
}

// DependencySummary reports the state of a dependency for the detailed
// snapshot, such as a breaker registry summary or cache statistics.
type DependencySummary func(ctx context.Context) any

// ServiceHealth is the detailed snapshot served at /health/status.
type ServiceHealth struct {
	Status       Status                 `json:"status"`
	Ready        bool                   `json:"ready"`
	ShuttingDown bool                   `json:"shutting_down"`
	StartedAt    time.Time              `json:"started_at"`
	Uptime       time.Duration          `json:"uptime_ns"`
	Checks       map[string]CheckResult `json:"checks"`
	Dependencies map[string]any         `json:"dependencies,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Overall applies the worst-of rule; with no checks the service is healthy.
func Overall(results map[string]CheckResult) Status {
	worst := StatusHealthy

	for _, r := range results {
		if r.Status.severity() > worst.severity() {
			worst = r.Status
		}
	}

	return worst
}
