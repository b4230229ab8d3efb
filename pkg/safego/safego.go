// Package safego is the panic barrier pocketwalk's off-tick goroutines
// are launched through. The tool subprocess watchers and the VCS commit
// dialog all run beside the supervisor's tick loop; a panic in one of
// them must not crash the supervisor mid-reconciliation, and must not
// vanish either — the owner latches it and re-raises it on the next
// tick, the same path a completion-callback failure takes.
package safego

import (
	"fmt"

	"go.uber.org/zap"
)

// Go launches fn with panic containment. A panic is logged with its
// stack, then handed to onPanic as an error so the owning component
// can latch it; the goroutine itself exits cleanly either way. onPanic
// may be nil for fire-and-forget work.
//
// Usage:
//
//	safego.Go(logger, "tool-fmt", watchSubprocess, func(err error) {
//	    runner.setLatched(err) // surfaces on the next tick
//	})
func Go(logger *zap.Logger, name string, fn func(), onPanic func(error)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				if onPanic != nil {
					onPanic(fmt.Errorf("goroutine %s panicked: %v", name, r))
				}
			}
		}()
		fn()
	}()
}
