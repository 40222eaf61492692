// Package metrics provides a fluent factory for OpenTelemetry metric instruments.
//
// MetricsFactory caches instruments and exposes builder-style APIs for counters,
// gauges, and histograms. The Record* helpers cover the instruments the kit
// itself emits: breaker transitions, cache outcomes, probe results, host
// resources and recovered panics.
package metrics
