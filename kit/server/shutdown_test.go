//go:build unit

package server_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/statgrid/lib-resilience/kit/health"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	return fiber.New(fiber.Config{DisableStartupMessage: true})
}

func TestRun_Validation(t *testing.T) {
	err := server.NewServerManager(nil, nil, nil).WithHTTPServer(newApp(), ":0").Run(context.Background())
	assert.ErrorIs(t, err, server.ErrNilCoordinator)

	err = server.NewServerManager(server.NewShutdownCoordinator(nil), nil, nil).Run(context.Background())
	assert.ErrorIs(t, err, server.ErrNoServerConfigured)
}

func TestRun_OrderedShutdown(t *testing.T) {
	logger := &recordingLogger{}
	coordinator := server.NewShutdownCoordinator(logger)
	probes := health.NewProbeManager(health.Config{}, log.NewNop())
	probes.MarkReady()

	var (
		mu    sync.Mutex
		order []string
	)

	require.NoError(t, coordinator.AddHook("cache", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()

		// readiness is already off when hooks run
		if probes.ShuttingDown() {
			order = append(order, "cache")
		}

		return nil
	}))

	app := newApp()
	probes.Routes(app)

	shutdownChan := make(chan struct{})

	sm := server.NewServerManager(coordinator, probes, logger).
		WithHTTPServer(app, "127.0.0.1:0").
		WithShutdownChannel(shutdownChan)

	done := make(chan error, 1)

	go func() {
		done <- sm.Run(context.Background())
	}()

	select {
	case <-sm.ServersStarted():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server start")
	}

	close(shutdownChan)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	assert.Equal(t, []string{"cache"}, order)
	assert.False(t, probes.Readiness(context.Background()))
	assert.Len(t, sm.Report().Results, 1)

	select {
	case <-coordinator.Done():
	default:
		t.Fatal("coordinator did not finish")
	}

	assert.Contains(t, logger.getMessages(), "graceful shutdown completed")
}

func TestRun_TriggerFromCoordinator(t *testing.T) {
	coordinator := server.NewShutdownCoordinator(log.NewNop())

	sm := server.NewServerManager(coordinator, nil, nil).
		WithHTTPServer(newApp(), "127.0.0.1:0").
		WithShutdownChannel(make(chan struct{}))

	done := make(chan error, 1)

	go func() {
		done <- sm.Run(context.Background())
	}()

	<-sm.ServersStarted()
	coordinator.Trigger()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not stop the manager")
	}
}

func TestRun_StartupErrorShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	coordinator := server.NewShutdownCoordinator(log.NewNop())

	var hookRan bool

	require.NoError(t, coordinator.AddHook("cleanup", func(context.Context) error {
		hookRan = true
		return nil
	}))

	sm := server.NewServerManager(coordinator, nil, nil).
		WithHTTPServer(newApp(), ln.Addr().String())

	done := make(chan error, 1)

	go func() {
		done <- sm.Run(context.Background())
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.True(t, hookRan)
	case <-time.After(10 * time.Second):
		t.Fatal("startup error was not propagated")
	}
}

func TestRun_ContextCancel(t *testing.T) {
	coordinator := server.NewShutdownCoordinator(log.NewNop())

	sm := server.NewServerManager(coordinator, nil, nil).
		WithHTTPServer(newApp(), "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- sm.Run(ctx)
	}()

	<-sm.ServersStarted()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("context cancel did not stop the manager")
	}
}

func TestRun_LoggerSyncError(t *testing.T) {
	logger := &recordingLogger{syncErr: errors.New("sync failed")}
	shutdownChan := make(chan struct{})

	sm := server.NewServerManager(server.NewShutdownCoordinator(logger), nil, logger).
		WithHTTPServer(newApp(), "127.0.0.1:0").
		WithShutdownChannel(shutdownChan)

	done := make(chan error, 1)

	go func() {
		done <- sm.Run(context.Background())
	}()

	<-sm.ServersStarted()
	close(shutdownChan)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	assert.Contains(t, logger.getMessages(), "failed to sync logger")
}
