//go:build unit

package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/statgrid/lib-resilience/kit/log"
)

// testLogger captures messages and fields; shared by the runtime tests.
type testLogger struct {
	log.NopLogger

	mu       sync.Mutex
	messages []string
	fields   [][]log.Field
	logged   chan struct{}
}

func newTestLogger() *testLogger {
	return &testLogger{logged: make(chan struct{}, 1)}
}

func (l *testLogger) Log(_ context.Context, _ log.Level, msg string, fields ...log.Field) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.fields = append(l.fields, fields)
	l.mu.Unlock()

	select {
	case l.logged <- struct{}{}:
	default:
	}
}

func (l *testLogger) waitForLog(timeout time.Duration) bool {
	select {
	case <-l.logged:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l *testLogger) field(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, fs := range l.fields {
		for _, f := range fs {
			if f.Key == key {
				return f.Value, true
			}
		}
	}

	return nil, false
}

type captureReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (r *captureReporter) CaptureException(_ context.Context, err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}
