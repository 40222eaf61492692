package log

import "context"

// NopLogger discards everything. Packages fall back to it through OrNop when
// no logger is supplied.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

// NewNop returns a *NopLogger.
//
//nolint:ireturn
func NewNop() Logger { return &NopLogger{} }

func (l *NopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (l *NopLogger) With(...Field) Logger { return l }

//nolint:ireturn
func (l *NopLogger) WithGroup(string) Logger { return l }

func (l *NopLogger) Enabled(Level) bool { return false }

func (l *NopLogger) Sync(context.Context) error { return nil }
