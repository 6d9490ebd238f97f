package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(*configPath)
			if err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go waitForShutdown(ctx, cancel, app)

			printBanner(app)
			return app.Run(ctx)
		},
	}
}

// waitForShutdown cancels ctx on the first shutdown signal. Reload signals
// are handled in place.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, app *App) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}
}

func printBanner(app *App) {
	auth := "enabled"
	if app.Config.Auth.JWTSecret == "" {
		auth = "disabled (dev mode)"
	}
	fmt.Println()
	fmt.Printf("  storesync v%s\n", version)
	fmt.Printf("  API:      http://localhost:%d/api\n", app.Config.Server.Port)
	fmt.Printf("  Metrics:  http://localhost:%d/metrics\n", app.Config.Server.Port)
	fmt.Printf("  Backend:  %s\n", app.Config.Backend.URL)
	fmt.Printf("  Network:  %s\n", app.Config.Network.Mode)
	fmt.Printf("  Storage:  %s (%s)\n", app.Config.Storage.Driver, app.Config.StoragePath())
	fmt.Printf("  Auth:     %s\n", auth)
	fmt.Println()
}
