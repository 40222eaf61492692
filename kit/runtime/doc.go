// Package runtime holds the panic-recovery helpers used by every goroutine the
// kit starts: breaker listener fan-out, health checks, shutdown hooks, the
// resource sampler and the breaker recoverer.
//
// A recovered panic is logged with its stack, counted through the metrics
// factory installed with InitPanicMetrics, recorded as an event on the active
// span and forwarded to the ErrorReporter if one is set.
package runtime
