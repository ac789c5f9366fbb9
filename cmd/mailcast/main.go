package main

// Command mailcast trains, serves and queries mailbox traffic forecasts.
//
// Subcommands:
//   serve      Load both models, hot-reload them and serve forecasts over HTTP
//   train      Fit both models from the full message history
//   update     Extend the training series with new messages and refit
//   forecast   Print a forecast from the stored artifacts
//
// Graceful Shutdown:
//   - SIGINT or SIGTERM stops the reload scheduler and the trainer loop
//   - The HTTP server drains in-flight requests

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Cancelled on Ctrl+C or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := newRootCommand(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
