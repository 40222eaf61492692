// Package log defines the logging interface and typed fields shared by every
// kit package.
//
// Adapters (such as the zap package) implement Logger so breakers, the cache
// manager and the probe manager log through one abstraction regardless of backend.
package log
