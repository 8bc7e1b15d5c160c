// Command orchestrator runs the generation job orchestrator: the job
// engine, both reconcilers, and the ops HTTP server (health, metrics,
// provider callbacks).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ferixdi-png/TRT-sub000/internal/app"
	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
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

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.NewRuntime(ctx, cfg, app.Options{})
	if err != nil {
		slog.Error("wiring failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	slog.Info("orchestrator starting",
		slog.String("env", cfg.AppEnv),
		slog.String("tenant", cfg.Tenant()),
		slog.Bool("stub_provider", cfg.KieStub),
		slog.String("storage_mode", cfg.StorageMode))

	if err := rt.Run(ctx); err != nil {
		slog.Error("orchestrator exited", slog.Any("error", err))
		os.Exit(1)
	}
}
