package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sitepass/internal/app"
	"sitepass/internal/secret"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := secret.DisableCoreDumps(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: core dumps could not be disabled: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		kind := app.KindOf(err)
		fmt.Fprintf(os.Stderr, "Error (%s): %v\n", kind, err)
		stop()
		os.Exit(kind.ExitCode())
	}
}
