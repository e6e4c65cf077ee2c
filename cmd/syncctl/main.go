// Package main provides syncctl, the administrative CLI for the market sync service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"market-sync/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
