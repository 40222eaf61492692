package runtime

import (
	"context"
	"sync"
)

// ErrorReporter forwards recovered panics to an external error tracker.
// Implementations must be safe for concurrent use and must not panic.
type ErrorReporter interface {
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

var (
	errorReporterInstance ErrorReporter
	errorReporterMu       sync.RWMutex
)

// SetErrorReporter configures the global reporter. Pass nil to disable.
func SetErrorReporter(reporter ErrorReporter) {
	errorReporterMu.Lock()
	defer errorReporterMu.Unlock()

	errorReporterInstance = reporter
}

// GetErrorReporter returns the configured reporter or nil.
func GetErrorReporter() ErrorReporter {
	errorReporterMu.RLock()
	defer errorReporterMu.RUnlock()

	return errorReporterInstance
}

// PanicError carries a recovered panic value as an error.
type PanicError struct {
	Value any
}

// Error returns the panic message.
func (e *PanicError) Error() string {
	return "panic: " + formatPanicValue(e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}

	return nil
}

func reportPanicToErrorService(ctx context.Context, panicValue any, stack []byte, component, name string) {
	reporter := GetErrorReporter()
	if reporter == nil {
		return
	}

	tags := map[string]string{
		"component":      component,
		"goroutine_name": name,
	}

	if len(stack) > 0 {
		tags["stack_trace"] = truncateStack(stack)
	}

	reporter.CaptureException(ctx, &PanicError{Value: panicValue}, tags)
}
