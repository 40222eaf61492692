//go:build unit

package server_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/runtime"
	"github.com/statgrid/lib-resilience/kit/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLogger records messages and can return a Sync error.
type recordingLogger struct {
	mu       sync.Mutex
	messages []string
	syncErr  error
}

func (l *recordingLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, msg)
}

func (l *recordingLogger) With(_ ...log.Field) log.Logger { return l }
func (l *recordingLogger) WithGroup(_ string) log.Logger  { return l }
func (l *recordingLogger) Enabled(_ log.Level) bool       { return true }
func (l *recordingLogger) Sync(_ context.Context) error   { return l.syncErr }
func (l *recordingLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := make([]string, len(l.messages))
	copy(cp, l.messages)

	return cp
}

func TestAddHook_Validation(t *testing.T) {
	sc := server.NewShutdownCoordinator(nil)

	assert.ErrorIs(t, sc.AddHook("", func(context.Context) error { return nil }), server.ErrEmptyHookName)
	assert.ErrorIs(t, sc.AddHook("cache", nil), server.ErrNilHook)
	require.NoError(t, sc.AddHook("cache", func(context.Context) error { return nil }))

	sc.Shutdown(context.Background())

	assert.ErrorIs(t, sc.AddHook("late", func(context.Context) error { return nil }), server.ErrShutdownStarted)
}

func TestShutdown_RunsHooksConcurrently(t *testing.T) {
	sc := server.NewShutdownCoordinator(log.NewNop())

	for _, name := range []string{"cache", "sampler", "recoverer"} {
		require.NoError(t, sc.AddHook(name, func(context.Context) error {
			time.Sleep(60 * time.Millisecond)
			return nil
		}))
	}

	start := time.Now()
	report := sc.Shutdown(context.Background())

	assert.Less(t, time.Since(start), 160*time.Millisecond)
	require.Len(t, report.Results, 3)
	assert.Equal(t, "cache", report.Results[0].Name)
	assert.Equal(t, "recoverer", report.Results[2].Name)
	assert.NoError(t, report.Err())
	assert.False(t, report.TimedOut)
}

func TestShutdown_FailuresDoNotBlockSiblings(t *testing.T) {
	sc := server.NewShutdownCoordinator(log.NewNop())

	var ran atomic.Int32

	errFlush := errors.New("flush failed")

	require.NoError(t, sc.AddHook("fails", func(context.Context) error {
		ran.Add(1)
		return errFlush
	}))
	require.NoError(t, sc.AddHook("panics", func(context.Context) error {
		ran.Add(1)
		panic("teardown bug")
	}))
	require.NoError(t, sc.AddHook("ok", func(context.Context) error {
		ran.Add(1)
		return nil
	}))

	report := sc.Shutdown(context.Background())

	assert.Equal(t, int32(3), ran.Load())
	assert.ErrorIs(t, report.Results[0].Err, errFlush)

	var panicErr *runtime.PanicError
	require.ErrorAs(t, report.Results[1].Err, &panicErr)
	assert.Equal(t, "teardown bug", panicErr.Value)

	assert.NoError(t, report.Results[2].Err)

	err := report.Err()
	assert.ErrorIs(t, err, errFlush)
	assert.Contains(t, err.Error(), "fails:")
}

func TestShutdown_OverrunningHookIsAbandoned(t *testing.T) {
	sc := server.NewShutdownCoordinator(log.NewNop(), server.WithShutdownTimeout(50*time.Millisecond))

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	require.NoError(t, sc.AddHook("stuck", func(context.Context) error {
		<-release
		return nil
	}))
	require.NoError(t, sc.AddHook("quick", func(context.Context) error { return nil }))

	start := time.Now()
	report := sc.Shutdown(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, report.TimedOut)

	assert.True(t, report.Results[0].TimedOut)
	assert.ErrorIs(t, report.Results[0].Err, server.ErrShutdownTimeout)
	assert.False(t, report.Results[1].TimedOut)
	assert.NoError(t, report.Results[1].Err)
}

func TestShutdown_Idempotent(t *testing.T) {
	sc := server.NewShutdownCoordinator(log.NewNop())

	var calls atomic.Int32

	require.NoError(t, sc.AddHook("once", func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	var wg sync.WaitGroup

	reports := make([]server.Report, 4)

	for i := range reports {
		wg.Add(1)

		go func() {
			defer wg.Done()

			reports[i] = sc.Shutdown(context.Background())
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for _, r := range reports {
		assert.Equal(t, reports[0], r)
	}

	select {
	case <-sc.Done():
	default:
		t.Fatal("Done should be closed after shutdown")
	}
}

func TestWait_RunsShutdownOnTrigger(t *testing.T) {
	sc := server.NewShutdownCoordinator(log.NewNop())

	var ran atomic.Bool

	require.NoError(t, sc.AddHook("hook", func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	done := make(chan server.Report, 1)

	go func() {
		done <- sc.Wait(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before trigger")
	case <-time.After(30 * time.Millisecond):
	}

	assert.False(t, ran.Load())

	sc.Trigger()

	select {
	case report := <-done:
		assert.Len(t, report.Results, 1)
		assert.True(t, ran.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after trigger")
	}
}

func TestWait_ContextCancelRunsShutdown(t *testing.T) {
	sc := server.NewShutdownCoordinator(log.NewNop())

	var hookCtxErr atomic.Value

	require.NoError(t, sc.AddHook("hook", func(ctx context.Context) error {
		hookCtxErr.Store(ctx.Err() == nil)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := sc.Wait(ctx)

	require.Len(t, report.Results, 1)
	assert.Equal(t, true, hookCtxErr.Load(), "hooks get a live context after the caller's is cancelled")
}

func TestListenForSignals_TriggersOnly(t *testing.T) {
	sc := server.NewShutdownCoordinator(log.NewNop())

	var ran atomic.Bool

	require.NoError(t, sc.AddHook("hook", func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	stop := sc.ListenForSignals(context.Background(), syscall.SIGUSR1)
	defer stop()

	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, proc.Signal(syscall.SIGUSR1))

	select {
	case <-sc.Triggered():
	case <-time.After(5 * time.Second):
		t.Fatal("signal did not trigger the coordinator")
	}

	assert.False(t, ran.Load(), "the signal path must not run hooks itself")

	select {
	case <-sc.Done():
		t.Fatal("shutdown should not have run")
	default:
	}

	assert.NotPanics(t, stop)
}

func TestShutdown_LogsHookFailures(t *testing.T) {
	logger := &recordingLogger{}
	sc := server.NewShutdownCoordinator(logger)

	require.NoError(t, sc.AddHook("db", func(context.Context) error { return errors.New("closed twice") }))

	sc.Shutdown(context.Background())

	msgs := logger.getMessages()
	assert.Contains(t, msgs, "shutdown started")
	assert.Contains(t, msgs, "shutdown hook failed")
	assert.Contains(t, msgs, "shutdown finished")
}
