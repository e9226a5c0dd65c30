package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dripflow/dripflow/internal/api"
	"github.com/dripflow/dripflow/internal/config"
	"github.com/dripflow/dripflow/internal/dispatch"
	"github.com/dripflow/dripflow/internal/metrics"
	"github.com/dripflow/dripflow/internal/render"
	"github.com/dripflow/dripflow/internal/runner"
	"github.com/dripflow/dripflow/internal/runstore"
	"github.com/dripflow/dripflow/internal/transport"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *runstore.Store
	runner        *runner.Runner
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	cleaner       *runstore.Cleaner
	logger        *slog.Logger
	startTime     time.Time
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	store, err := runstore.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}

	m := metrics.New()

	renderer := render.New()

	var tr transport.Transport
	switch cfg.Transport.Mode {
	case "dryrun":
		tr = transport.NewDryRun(logger.With("component", "transport"))
		logger.Info("dry-run transport enabled, no mail will be sent")
	default:
		tr = transport.NewSMTP(cfg.Transport.SMTP)
	}

	rn := runner.New(store, tr, renderer, runner.Config{
		PollInterval:   cfg.Engine.PollInterval,
		ClaimBatch:     cfg.Engine.ClaimBatch,
		ResumeInFlight: *cfg.Engine.ResumeInFlight,
		Dispatch: dispatch.Config{
			Workers:         cfg.Engine.Workers,
			MaxRetries:      cfg.Engine.MaxRetries,
			RetryInitial:    cfg.Engine.RetryBackoff,
			DispatchTimeout: cfg.Engine.DispatchTimeout,
		},
	}, m, logger)

	apiServer := api.NewServer(rn, store, &cfg.API, &cfg.Defaults, m, logger.With("component", "api"))

	var metricsServer *metrics.Server
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
		collector = metrics.NewCollector(m, rn, cfg.Metrics.FlushInterval)
	}

	var cleaner *runstore.Cleaner
	if cfg.Storage.ArchiveAfter > 0 {
		cleaner = runstore.NewCleaner(store, runstore.CleanerConfig{
			ArchiveAfter: cfg.Storage.ArchiveAfter,
			Interval:     cfg.Storage.ArchiveEvery,
		}, logger.With("component", "cleaner"))
	}

	return &App{
		config:        cfg,
		store:         store,
		runner:        rn,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		collector:     collector,
		cleaner:       cleaner,
		logger:        logger,
		startTime:     time.Now(),
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting dripflow",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"transport", a.config.Transport.Mode,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Pick interrupted runs back up before the API accepts new work.
	if err := a.runner.ResumeAll(ctx); err != nil {
		a.logger.Error("failed to resume runs", "error", err)
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.cleaner != nil {
		a.cleaner.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.cleaner != nil {
		a.cleaner.Stop()
	}

	// Stops poll loops and drains in-flight dispatches. Interrupted
	// items are reconciled on the next boot by ResumeAll.
	a.runner.Close()

	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
