// cmd/rubium/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/rubium/cmd"
	"github.com/xkilldash9x/rubium/internal/browser/process"
	"github.com/xkilldash9x/rubium/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()

	// Any browser still registered dies with the CLI.
	process.Default().Shutdown()
	observability.Sync()

	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
