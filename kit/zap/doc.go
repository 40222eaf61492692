// Package zap bridges kit/log to go.uber.org/zap.
//
// Loggers built here emit JSON, tee into the OpenTelemetry log pipeline and tag
// every entry with the active trace and span ids.
package zap
