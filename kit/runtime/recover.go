package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/statgrid/lib-resilience/kit/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStackLen = 4096

// RecoverAndLog recovers a panic, logs it and keeps the process running.
//
//	defer runtime.RecoverAndLog(ctx, logger, "cache", "pipeline")
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		handle(ctx, logger, r, debug.Stack(), component, name)
	}
}

// RecoverWithPolicy recovers a panic, logs it and applies policy.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		handle(ctx, logger, r, debug.Stack(), component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue processes a value already recovered elsewhere, for example
// by fiber's recover middleware or by a helper that must turn the panic into a
// result instead of unwinding further.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	handle(ctx, logger, panicValue, debug.Stack(), component, name)
}

func handle(ctx context.Context, logger log.Logger, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	logPanicWithStack(ctx, logger, component, name, panicValue, stack)
	recordPanicMetric(ctx, component, name)
	recordPanicToSpan(ctx, panicValue, component, name)
	reportPanicToErrorService(ctx, panicValue, stack, component, name)
}

func logPanicWithStack(ctx context.Context, logger log.Logger, component, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("goroutine", name),
		log.String("panic_value", formatPanicValue(panicValue)),
		log.String("stack_trace", truncateStack(stack)),
	)
}

func recordPanicToSpan(ctx context.Context, panicValue any, component, name string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine", name),
		attribute.String("panic.value", formatPanicValue(panicValue)),
	))
	span.SetStatus(codes.Error, "panic recovered in "+name)
}

func truncateStack(stack []byte) string {
	if len(stack) > maxStackLen {
		return string(stack[:maxStackLen]) + "\n...[truncated]"
	}

	return string(stack)
}

func formatPanicValue(value any) string {
	if value == nil {
		return "<nil>"
	}

	switch val := value.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", value)
	}
}
