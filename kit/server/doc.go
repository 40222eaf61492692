// Package server provides process lifecycle and graceful shutdown helpers.
//
// ShutdownCoordinator runs registered teardown hooks concurrently under one
// deadline. Signal handling only triggers it; everything else is callable
// directly. ServerManager serves the probe endpoints and drives the ordered
// shutdown: readiness off, hooks, HTTP server, logger sync.
package server
