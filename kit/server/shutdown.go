package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/statgrid/lib-resilience/kit/health"
	"github.com/statgrid/lib-resilience/kit/log"
	"github.com/statgrid/lib-resilience/kit/runtime"
)

// ErrNoServerConfigured indicates that no HTTP server was configured.
var ErrNoServerConfigured = errors.New("no server configured: use WithHTTPServer()")

// ErrNilCoordinator indicates that the manager was built without a coordinator.
var ErrNilCoordinator = errors.New("server: shutdown coordinator must not be nil")

// ServerManager serves HTTP and runs the ordered graceful shutdown.
type ServerManager struct {
	httpServer         *fiber.App
	httpAddress        string
	probes             *health.ProbeManager
	coordinator        *ShutdownCoordinator
	logger             log.Logger
	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownTimeout    time.Duration
	startupErrors      chan error
	report             Report
}

// NewServerManager creates a manager around coordinator. probes may be nil;
// a nil logger is replaced by a no-op one.
func NewServerManager(coordinator *ShutdownCoordinator, probes *health.ProbeManager, logger log.Logger) *ServerManager {
	return &ServerManager{
		coordinator:     coordinator,
		probes:          probes,
		logger:          log.OrNop(logger),
		serversStarted:  make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
		startupErrors:   make(chan error, 1),
	}
}

// WithHTTPServer configures the fiber app and its listen address.
func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.httpServer = app
	sm.httpAddress = address

	return sm
}

// WithShutdownChannel replaces OS signals with ch, for tests.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

// WithShutdownTimeout bounds the HTTP server shutdown. Defaults to 10 seconds.
func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	sm.shutdownTimeout = d

	return sm
}

// ServersStarted is closed once the server goroutine has been launched.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// Report returns the coordinator report of the completed shutdown.
func (sm *ServerManager) Report() Report {
	return sm.report
}

func (sm *ServerManager) validateConfiguration() error {
	if sm.coordinator == nil {
		return ErrNilCoordinator
	}

	if sm.httpServer == nil {
		return ErrNoServerConfigured
	}

	return nil
}

// Run starts the server and blocks until a termination signal, the shutdown
// channel, or a startup failure, then shuts everything down. It returns the
// startup error, if any; hook failures are only logged.
func (sm *ServerManager) Run(ctx context.Context) error {
	if err := sm.validateConfiguration(); err != nil {
		return err
	}

	sm.startServer()

	var startErr error

	if sm.shutdownChan != nil {
		select {
		case <-sm.shutdownChan:
		case <-sm.coordinator.Triggered():
		case startErr = <-sm.startupErrors:
		}
	} else {
		stop := sm.coordinator.ListenForSignals(ctx)

		select {
		case <-sm.coordinator.Triggered():
		case <-ctx.Done():
		case startErr = <-sm.startupErrors:
		}

		stop()
	}

	if startErr != nil {
		sm.logger.Log(ctx, log.LevelError, "server startup failed", log.Err(startErr))
	}

	sm.logger.Log(ctx, log.LevelInfo, "gracefully shutting down")

	sm.executeShutdown(context.WithoutCancel(ctx))

	return startErr
}

func (sm *ServerManager) startServer() {
	runtime.SafeGoWithContextAndComponent(
		context.Background(),
		sm.logger,
		"server",
		"start_http_server",
		runtime.KeepRunning,
		func(ctx context.Context) {
			sm.logger.Log(ctx, log.LevelInfo, "starting HTTP server", log.String("address", sm.httpAddress))

			if err := sm.httpServer.Listen(sm.httpAddress); err != nil {
				select {
				case sm.startupErrors <- fmt.Errorf("HTTP server: %w", err):
				default:
				}
			}
		},
	)

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

// executeShutdown drains readiness, runs the hooks, stops the HTTP server and
// syncs the logger. Only the first call does anything.
func (sm *ServerManager) executeShutdown(ctx context.Context) {
	sm.shutdownOnce.Do(func() {
		if sm.probes != nil {
			sm.probes.RequestShutdown()
		}

		sm.report = sm.coordinator.Shutdown(ctx)

		if err := sm.report.Err(); err != nil {
			sm.logger.Log(ctx, log.LevelWarn, "shutdown hooks reported errors", log.Err(err))
		}

		if sm.httpServer != nil {
			httpCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)

			if err := sm.httpServer.ShutdownWithContext(httpCtx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "error during HTTP server shutdown", log.Err(err))
			}

			cancel()
		}

		sm.logger.Log(ctx, log.LevelInfo, "graceful shutdown completed")

		if err := sm.logger.Sync(ctx); err != nil {
			sm.logger.Log(ctx, log.LevelError, "failed to sync logger", log.Err(err))
		}
	})
}
