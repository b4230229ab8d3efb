// Package cancellation implements pocketwalk.Cancellation: the
// process-global interrupt flag.
package cancellation

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// Interrupt observes SIGINT: the first signal sets the cancelled flag
// and cancels the shared context; a second signal hard-exits.
type Interrupt struct {
	log       *zap.Logger
	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	exit      func(code int)
}

// New installs the signal handler and returns the Interrupt.
func New(log *zap.Logger) *Interrupt {
	ctx, cancel := context.WithCancel(context.Background())
	i := &Interrupt{log: log, ctx: ctx, cancel: cancel, exit: os.Exit}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT)
	go func() {
		for range ch {
			i.handle()
		}
	}()
	return i
}

func (i *Interrupt) handle() {
	if i.cancelled.Swap(true) {
		fmt.Fprintln(os.Stderr, "EXITING DUE TO MULTIPLE SIGINTS RECEIVED.")
		i.exit(130)
		return
	}
	fmt.Println("\n\nCTRL-C detected.")
	i.log.Info("interrupt received, winding down")
	i.cancel()
}

// Cancelled reports whether an interrupt has been observed.
func (i *Interrupt) Cancelled() bool {
	return i.cancelled.Load()
}

// Context is cancelled the instant the first interrupt arrives.
func (i *Interrupt) Context() context.Context {
	return i.ctx
}
