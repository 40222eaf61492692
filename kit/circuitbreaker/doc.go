// Package circuitbreaker isolates failing dependencies.
//
// A CircuitBreaker counts consecutive failures of the calls it wraps and, once
// FailureThreshold is reached, fails fast with a *BreakerOpenError until
// Timeout has elapsed. The next call after that runs in half-open mode: a
// single counted failure reopens the breaker, SuccessThreshold successes close
// it again.
//
// Breakers live in a Registry so that every component protecting the same
// dependency shares one instance. A Recoverer can probe open dependencies in
// the background and close their breakers once they answer again.
package circuitbreaker
