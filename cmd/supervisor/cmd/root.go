// Package cmd implements the supervisor CLI.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andyyyy64/opentiger/internal/adapter/observability"
	"github.com/andyyyy64/opentiger/internal/app"
	"github.com/andyyyy64/opentiger/internal/config"
)

var daemonFlag bool

var rootCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "openTiger cycle supervisor",
	Long: `The supervisor owns cycle lifecycles for the openTiger fleet: it watches
end triggers, scans for anomalies, reclaims leases from dead agents, and
replans when the queue drains.

Without a subcommand it runs as a daemon.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDaemon(cmd.Context())
	},
}

// Execute runs the CLI. Exit code 0 on success.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&daemonFlag, "daemon", false, "run the supervisor loop (default when no subcommand)")
}

// withEngine loads config, sets up observability, builds the engine, runs fn,
// and tears everything down.
func withEngine(ctx context.Context, fn func(context.Context, *app.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()
	engine, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(ctx, engine)
}
