// Package safego starts supervised goroutines. A panic in a stream
// pump, sweeper, or watchdog must never take the whole bridge down
// with it: the panic is logged with its stack and the goroutine exits
// cleanly while the process keeps serving.
package safego

import "go.uber.org/zap"

// Go runs fn on its own goroutine, recovering and logging any panic
// under the given task name.
//
//	safego.Go(logger, "stale-sweeper", func() {
//	    sweeper.Run(ctx)
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("background task panicked",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
