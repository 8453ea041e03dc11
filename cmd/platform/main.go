// Command platform runs the 1NCE SIM management platform: the REST API on
// port 8000 and the dashboard UI on port 8501.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nce-iot/sim-platform/internal/app"
)

func main() {
	// A missing .env file is fine; environment variables win either way.
	_ = godotenv.Load()

	application, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "platform failed: %v\n", err)
		_ = application.Shutdown(context.Background())
		os.Exit(1)
	}

	if err := application.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
}
