// Command orchestrator-core runs the Scheduler loop against the wired Job
// Cache, metadata store, and executor registry. There is no HTTP
// or gRPC surface here: the Job API (internal/api) is a Go interface
// consumed directly, since the gateway/transport layer is out of scope
//. This binary exists so the orchestrator can run as a standalone
// process in local development and integration tests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tracdap/orchestrator-core/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize orchestrator-core: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Log.Info("scheduler starting", "pollInterval", a.Cfg.PollInterval, "leaseDuration", a.Cfg.LeaseDuration)
	a.Start(ctx)

	<-ctx.Done()
	a.Log.Info("shutting down")
}
