// Package health aggregates named checks into startup, liveness and readiness
// verdicts and serves them over HTTP.
//
// Checks run concurrently, each bounded by its own timeout. A check that
// panics, times out or sees its context end is reported as unhealthy; nothing
// a check does can escape the probe.
package health
