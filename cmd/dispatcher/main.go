// Package main provides the dispatcher entry point. The dispatcher consumes
// job envelopes from the queue and drives queued tasks into running state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/andyyyy64/opentiger/internal/adapter/observability"
	asynqadp "github.com/andyyyy64/opentiger/internal/adapter/queue/asynq"
	"github.com/andyyyy64/opentiger/internal/app"
	"github.com/andyyyy64/opentiger/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort+1)
		if err := http.ListenAndServe(addr, observability.MetricsRouter()); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("engine build failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Close()

	server, err := asynqadp.NewServer(cfg.RedisURL, asynqadp.ServerConfig{
		Concurrency: cfg.QueuePerAgentConcurrency,
	}, engine.Dispatcher.HandleEnvelope, engine.Queue)
	if err != nil {
		slog.Error("queue server init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := server.Start(ctx); err != nil {
		slog.Error("queue server start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("dispatcher running", slog.String("env", cfg.AppEnv))
	<-ctx.Done()
	server.Stop()
	slog.Info("dispatcher stopped")
}
