package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/andyyyy64/opentiger/internal/adapter/observability"
	"github.com/andyyyy64/opentiger/internal/app"
)

func runDaemon(ctx context.Context) error {
	return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
		observability.InitMetrics()
		go func() {
			addr := fmt.Sprintf(":%d", e.Cfg.MetricsPort)
			if err := http.ListenAndServe(addr, observability.MetricsRouter()); err != nil {
				slog.Error("metrics server error", slog.Any("error", err))
			}
		}()
		slog.Info("supervisor daemon starting", slog.String("env", e.Cfg.AppEnv))
		return e.Controller.Run(ctx)
	})
}
