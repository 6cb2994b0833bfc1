package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the ingest worker and the report scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			return runServe(path)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(os.Stdout, cfg.Logging)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"remote_scorer", cfg.Scoring.Remote.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	asyncWorker := worker.NewWorker(a.bus, a.pipeline)
	if err := asyncWorker.Start(ctx); err != nil {
		a.close()
		return fmt.Errorf("start worker: %w", err)
	}

	var scheduler *report.Scheduler
	if cfg.Report.Enabled {
		scheduler = report.NewScheduler(ctx, report.NewGenerator(a.repo, a.bus, cfg.Report.Window))
		if err := scheduler.Register(cfg.Report.DailyCron); err != nil {
			asyncWorker.Stop()
			a.close()
			return err
		}
		scheduler.Start()
		slog.Info("report scheduler started", "cron", cfg.Report.DailyCron)
	}

	deps := api.Deps{
		Pipeline:            a.pipeline,
		Alerts:              a.dispatcher.Stats(),
		Repo:                a.repo,
		Cache:               a.cache,
		Bus:                 a.bus,
		Version:             Version,
		BulkMaxItems:        cfg.Pipeline.BulkMaxItems,
		FeatureVectorLength: cfg.Pipeline.FeatureVectorLength,
	}
	if a.registry != nil {
		deps.Metrics = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	}
	srv := api.NewServer(cfg.Server, deps)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case runErr = <-serverErr:
		slog.Error("server failed", "error", runErr)
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := a.close(); err != nil {
		slog.Error("failed to release resources", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return runErr
}
