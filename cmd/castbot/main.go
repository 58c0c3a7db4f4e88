package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"castbot/internal/app"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, reason, stop := signalContext(context.Background())
	defer stop()

	if err := newRootCommand(reason).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// signalContext is canceled on SIGINT or SIGTERM. reason reports which one.
func signalContext(parent context.Context) (context.Context, func() app.StopReason, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	got := make(chan app.StopReason, 1)
	go func() {
		select {
		case s := <-sigs:
			if s == syscall.SIGTERM {
				got <- app.StopSIGTERM
			} else {
				got <- app.StopSIGINT
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	reason := func() app.StopReason {
		select {
		case r := <-got:
			got <- r
			return r
		default:
			return app.StopUnknown
		}
	}
	stop := func() {
		signal.Stop(sigs)
		cancel()
	}
	return ctx, reason, stop
}
