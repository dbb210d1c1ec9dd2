package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilnworks/kiln/internal/cli"
)

func main() {
	// Cancel in-flight builds on interrupt; finished jobs still land in
	// the build database.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
