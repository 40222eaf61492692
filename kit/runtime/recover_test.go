//go:build unit

package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/statgrid/lib-resilience/kit/opentelemetry/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var errBoom = errors.New("boom")

func TestPanicPolicy_String(t *testing.T) {
	assert.Equal(t, "KeepRunning", KeepRunning.String())
	assert.Equal(t, "CrashProcess", CrashProcess.String())
	assert.Equal(t, "Unknown", PanicPolicy(42).String())
}

func TestRecoverAndLog_SwallowsPanic(t *testing.T) {
	logger := newTestLogger()

	require.NotPanics(t, func() {
		defer RecoverAndLog(context.Background(), logger, "cache", "worker")

		panic("something went wrong")
	})

	require.Len(t, logger.messages, 1)
	assert.Equal(t, "panic recovered", logger.messages[0])

	v, ok := logger.field("panic_value")
	require.True(t, ok)
	assert.Equal(t, "something went wrong", v)
}

func TestRecoverWithPolicy_CrashProcessRepanics(t *testing.T) {
	logger := newTestLogger()

	assert.PanicsWithValue(t, "fatal", func() {
		defer RecoverWithPolicy(context.Background(), logger, "kit", "critical", CrashProcess)

		panic("fatal")
	})

	assert.Len(t, logger.messages, 1)
}

func TestRecoverAndLog_NilLogger(t *testing.T) {
	require.NotPanics(t, func() {
		defer RecoverAndLog(context.Background(), nil, "kit", "worker")

		panic(errBoom)
	})
}

func TestHandlePanicValue_NilIsIgnored(t *testing.T) {
	logger := newTestLogger()

	HandlePanicValue(context.Background(), logger, nil, "kit", "handler")

	assert.Empty(t, logger.messages)
}

func TestSafeGoWithContextAndComponent_RecoversPanic(t *testing.T) {
	logger := newTestLogger()

	SafeGoWithContextAndComponent(context.Background(), logger, "health", "check", KeepRunning,
		func(context.Context) {
			panic("in goroutine")
		})

	assert.True(t, logger.waitForLog(time.Second))
}

func TestSafeGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})

	SafeGo(newTestLogger(), "worker", KeepRunning, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not run the function")
	}
}

func TestCallSafely(t *testing.T) {
	logger := newTestLogger()
	ctx := context.Background()

	assert.NoError(t, CallSafely(ctx, logger, "kit", "ok", func() error { return nil }))
	assert.ErrorIs(t, CallSafely(ctx, logger, "kit", "err", func() error { return errBoom }), errBoom)

	err := CallSafely(ctx, logger, "kit", "panic", func() error { panic(errBoom) })

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "panic: boom", err.Error())
}

func TestPanicError_NonErrorValue(t *testing.T) {
	err := &PanicError{Value: 42}

	assert.Equal(t, "panic: 42", err.Error())
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, "panic: <nil>", (&PanicError{}).Error())
}

func TestErrorReporter_ReceivesPanic(t *testing.T) {
	reporter := &captureReporter{}
	SetErrorReporter(reporter)
	t.Cleanup(func() { SetErrorReporter(nil) })

	HandlePanicValue(context.Background(), newTestLogger(), "reported", "cache", "pipeline")

	require.Len(t, reporter.errs, 1)
	assert.Equal(t, "panic: reported", reporter.errs[0].Error())
	assert.Equal(t, "cache", reporter.tags[0]["component"])
	assert.Equal(t, "pipeline", reporter.tags[0]["goroutine_name"])
	assert.NotEmpty(t, reporter.tags[0]["stack_trace"])
}

func TestPanicMetrics_CountsRecoveredPanics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	factory, err := metrics.NewMetricsFactory(mp.Meter("runtime-test"), nil)
	require.NoError(t, err)

	ResetPanicMetrics()
	InitPanicMetrics(factory, nil)
	t.Cleanup(ResetPanicMetrics)

	HandlePanicValue(context.Background(), nil, "counted", "server", "hook")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != metrics.MetricPanicsRecovered.Name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}

	assert.Equal(t, int64(1), total)
}

func TestRecordPanicToSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	HandlePanicValue(ctx, nil, "traced", "cache", "get")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "panic.recovered", spans[0].Events()[0].Name)
}
