// Package signalctx cancels a context on SIGINT/SIGTERM so a
// long-running screening job can be interrupted cleanly, leaving its
// checkpoint sidecar in place for a later restart (spec §4.3).
package signalctx

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Interruptible returns a context which is canceled when the process
// receives SIGINT or SIGTERM.
func Interruptible() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// A second signal falls through to the default handler and
		// terminates immediately, in case a subprocess wait hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
