// Package worker analyzes submitted reports asynchronously from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/carbonmint/internal/analysis"
	"github.com/opensource-finance/carbonmint/internal/domain"
)

// Worker listens for report submissions and runs the analysis for each.
type Worker struct {
	bus    domain.EventBus
	runner *analysis.Runner

	sem           chan struct{}
	subscriptions []domain.Subscription
	mu            sync.Mutex
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency caps the number of reports analyzed at once.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner *analysis.Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to report submissions.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	w.sem = make(chan struct{}, cfg.Concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicReportSubmitted, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicReportSubmitted, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicReportSubmitted,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleMessage parses the event and hands the analysis to the pool. It
// blocks while the pool is full, which backs up the subscription buffer.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var event domain.ReportSubmittedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("parse report submitted message %s: %w", msg.ID, err)
	}
	if event.ReportID == "" {
		return fmt.Errorf("%w: message %s has no report id", domain.ErrInvalidInput, msg.ID)
	}

	traceID := event.TraceID
	if traceID == "" {
		traceID = msg.Metadata[domain.MetadataTraceID]
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(w.ctx, event.ReportID, traceID)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, reportID, traceID string) {
	slog.Debug("analyzing submitted report",
		"report_id", reportID,
		"trace_id", traceID,
	)

	if _, err := w.runner.Run(ctx, reportID, "worker"); err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, context.Canceled) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "background analysis failed",
			"report_id", reportID,
			"trace_id", traceID,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for in-flight analyses to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()
	w.cancel()

	slog.Info("worker stopped")
	return nil
}
