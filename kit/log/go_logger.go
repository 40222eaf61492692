package log

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// logControlCharReplacer escapes control characters that can be used for log injection (CWE-117).
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeLogString(s string) string {
	return logControlCharReplacer.Replace(s)
}

// GoLogger writes through the standard library log package. It is the fallback
// used by tools that do not want to pull zap in.
//
// Messages and string field values are sanitized to prevent log injection.
type GoLogger struct {
	Level  Level
	fields []Field
	group  string
	out    *log.Logger
}

// NewGoLogger creates a GoLogger at the given level writing to the standard logger.
func NewGoLogger(level Level) *GoLogger {
	return &GoLogger{Level: level}
}

// Log implements Logger.
func (l *GoLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	out := l.out
	if out == nil {
		out = log.Default()
	}

	out.Print(l.format(level, msg, fields))
}

// With implements Logger.
//
//nolint:ireturn
func (l *GoLogger) With(fields ...Field) Logger {
	if l == nil {
		return &GoLogger{}
	}

	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)

	return &GoLogger{Level: l.Level, fields: merged, group: l.group, out: l.out}
}

// WithGroup implements Logger.
//
//nolint:ireturn
func (l *GoLogger) WithGroup(name string) Logger {
	if l == nil {
		return &GoLogger{}
	}

	group := name
	if l.group != "" {
		group = l.group + "." + name
	}

	return &GoLogger{Level: l.Level, fields: l.fields, group: group, out: l.out}
}

// Enabled implements Logger.
func (l *GoLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}

	return l.Level >= level
}

// Sync implements Logger. The standard logger is unbuffered.
func (l *GoLogger) Sync(_ context.Context) error { return nil }

func (l *GoLogger) format(level Level, msg string, fields []Field) string {
	parts := make([]string, 0, 3)
	parts = append(parts, fmt.Sprintf("[%s]", level.String()))

	if l.group != "" {
		parts = append(parts, l.group)
	}

	parts = append(parts, sanitizeLogString(msg))

	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)

	if len(all) > 0 {
		kv := make([]string, 0, len(all))

		for _, f := range all {
			value := fmt.Sprint(f.Value)
			if s, ok := f.Value.(string); ok {
				value = sanitizeLogString(s)
			}

			kv = append(kv, fmt.Sprintf("%s=%s", f.Key, value))
		}

		parts = append(parts, "["+strings.Join(kv, ", ")+"]")
	}

	return strings.Join(parts, " ")
}
