package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/carbonmint/internal/analysis"
	"github.com/opensource-finance/carbonmint/internal/api"
	"github.com/opensource-finance/carbonmint/internal/bus"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/fraud"
	"github.com/opensource-finance/carbonmint/internal/issuance"
	"github.com/opensource-finance/carbonmint/internal/repository"
	"github.com/opensource-finance/carbonmint/internal/rules"
	"github.com/opensource-finance/carbonmint/internal/serial"
	"github.com/opensource-finance/carbonmint/internal/worker"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the analysis worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting carbonmint",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"eventbus", cfg.EventBus.Type,
		"serial_backend", cfg.Serial.Backend,
	)

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		slog.Info("trace context propagation enabled", "service", cfg.Tracing.ServiceName)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	backend, err := serial.New(cfg.Serial, repo)
	if err != nil {
		return fmt.Errorf("initialize serial allocator: %w", err)
	}
	redisAlloc, usesRedis := backend.(*serial.RedisAllocator)
	if usesRedis {
		defer redisAlloc.Close()
	}
	allocator := serial.Instrument(cfg.Serial.Backend, backend)
	slog.Info("serial allocator initialized", "backend", cfg.Serial.Backend)

	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer eventBus.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine(cfg.Analysis.MaxWorkers)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	loadAdvisoryRules(ctx, repo, engine)

	analyzer := analysis.NewAnalyzer(engine, fraud.NewDetector(), cfg.Analysis)
	runner := analysis.NewRunner(repo, analyzer, eventBus)
	service := issuance.NewService(repo, issuance.NewOrchestrator(allocator), eventBus)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(eventBus, runner)
		if err := asyncWorker.Start(worker.Config{}); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		slog.Info("analysis worker started")
	}

	handler := api.NewHandler(repo, eventBus, engine, runner, service, Version)
	if usesRedis {
		handler.WithReadyCheck("serialAllocator", redisAlloc)
	}
	srv := api.NewServer(cfg.Server, handler)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("carbonmint is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}
	slog.Info("shutting down...")

	// Stop consuming before the repository and bus close.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("carbonmint shutdown complete")
	return runErr
}

// loadAdvisoryRules loads stored advisory rules into the engine. A failure
// leaves the engine with none; rules can be reloaded via the API.
func loadAdvisoryRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) {
	stored, err := repo.ListAdvisoryRules(ctx)
	if err != nil {
		slog.Warn("failed to list advisory rules", "error", err)
		return
	}
	if len(stored) == 0 {
		slog.Info("no advisory rules stored")
		return
	}
	if err := engine.ReloadAdvisoryRules(stored); err != nil {
		slog.Warn("failed to load advisory rules", "error", err)
		return
	}
	slog.Info("advisory rules loaded", "count", len(engine.AdvisoryRules()))
}
