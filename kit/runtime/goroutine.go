package runtime

import (
	"context"

	"github.com/statgrid/lib-resilience/kit/log"
)

// SafeGo starts fn in a goroutine guarded by RecoverWithPolicy.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(context.Background(), logger, "", name, policy)

		fn()
	}()
}

// SafeGoWithContextAndComponent starts fn in a goroutine guarded by
// RecoverWithPolicy. ctx is handed to fn and used for panic observability.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicy(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

// CallSafely runs fn on the current goroutine and converts a panic into a
// *PanicError. Health checks and shutdown hooks use it so that one faulty
// callback becomes a failed result instead of an unwinding goroutine.
func CallSafely(ctx context.Context, logger log.Logger, component, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			HandlePanicValue(ctx, logger, r, component, name)

			err = &PanicError{Value: r}
		}
	}()

	return fn()
}
