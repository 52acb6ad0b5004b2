package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/carbonmint/internal/analysis"
	"github.com/opensource-finance/carbonmint/internal/bus"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/repository"
	"github.com/opensource-finance/carbonmint/internal/rules"
)

type fixture struct {
	bus    *bus.ChannelBus
	repo   *repository.SQLRepository
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "carbonmint-worker-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	analyzer := analysis.NewAnalyzer(engine, nil, domain.DefaultAnalysisConfig())
	runner := analysis.NewRunner(repo, analyzer, eventBus)

	return &fixture{bus: eventBus, repo: repo, worker: NewWorker(eventBus, runner)}
}

func (f *fixture) seedReport(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	if err := f.repo.SaveCompany(ctx, &domain.Company{ID: "comp-1", Code: "VNX"}); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.SaveProject(ctx, &domain.Project{ID: "proj-1", CompanyID: "comp-1", Code: "EVBUS"}); err != nil {
		t.Fatal(err)
	}
	report := &domain.Report{
		ID:        "rep-1",
		CompanyID: "comp-1",
		ProjectID: "proj-1",
		Period:    "2025-09",
		Columns:   []string{"period", "total_energy", "license_plate"},
	}
	details := []domain.ReportDetail{
		{Period: "2025-09", TotalEnergy: "120.5", LicensePlate: "51A-001"},
		{Period: "2025-09", TotalEnergy: "98.25", LicensePlate: "51A-002"},
		{Period: "2025-09", TotalEnergy: "143.1", LicensePlate: "51A-003"},
		{Period: "2025-09", TotalEnergy: "110.0", LicensePlate: "51A-004"},
	}
	if err := f.repo.SaveReport(ctx, report, details); err != nil {
		t.Fatal(err)
	}
	return report.ID
}

func TestWorkerStartAndStop(t *testing.T) {
	f := newFixture(t)

	if err := f.worker.Start(Config{Concurrency: 2}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	subscribed := func() []string {
		f.worker.mu.Lock()
		defer f.worker.mu.Unlock()
		topics := make([]string, len(f.worker.subscriptions))
		for i, sub := range f.worker.subscriptions {
			topics[i] = sub.Topic()
		}
		return topics
	}

	if topics := subscribed(); len(topics) != 1 || topics[0] != domain.TopicReportSubmitted {
		t.Errorf("unexpected subscriptions %v", topics)
	}

	if err := f.worker.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if topics := subscribed(); len(topics) != 0 {
		t.Errorf("expected no subscriptions after stop, got %v", topics)
	}
}

func TestWorkerAnalyzesSubmittedReport(t *testing.T) {
	f := newFixture(t)
	reportID := f.seedReport(t)
	ctx := context.Background()

	completed := make(chan analysis.Summary, 1)
	_, err := f.bus.Subscribe(ctx, domain.TopicAnalysisCompleted, func(ctx context.Context, msg *domain.Message) error {
		var s analysis.Summary
		if err := json.Unmarshal(msg.Payload, &s); err != nil {
			return err
		}
		completed <- s
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.worker.Start(Config{Concurrency: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.worker.Stop()

	payload, _ := json.Marshal(domain.ReportSubmittedEvent{ReportID: reportID})
	if err := f.bus.Publish(ctx, domain.TopicReportSubmitted, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	var summary analysis.Summary
	select {
	case summary = <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for analysis completed event")
	}

	if summary.ReportID != reportID {
		t.Errorf("expected report %s, got %s", reportID, summary.ReportID)
	}

	stored, err := f.repo.GetAnalysis(ctx, summary.AnalysisID)
	if err != nil {
		t.Fatalf("analysis was not persisted: %v", err)
	}
	if stored.DataQualityMax != 70 {
		t.Errorf("expected max 70, got %d", stored.DataQualityMax)
	}
	if stored.DataQualityScore != summary.DataQualityScore {
		t.Errorf("event and stored score differ: %d vs %d", summary.DataQualityScore, stored.DataQualityScore)
	}
	if stored.RowCount != 4 {
		t.Errorf("expected 4 rows, got %d", stored.RowCount)
	}
}

func TestWorkerRejectsBadMessages(t *testing.T) {
	f := newFixture(t)
	if err := f.worker.Start(Config{}); err != nil {
		t.Fatal(err)
	}
	defer f.worker.Stop()

	ctx := context.Background()

	err := f.worker.handleMessage(ctx, &domain.Message{ID: "m1", Payload: []byte("not json")})
	if err == nil {
		t.Error("expected parse error")
	}

	err = f.worker.handleMessage(ctx, &domain.Message{ID: "m2", Payload: []byte(`{}`)})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing report id, got %v", err)
	}
}

func TestWorkerMissingReportDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	if err := f.worker.Start(Config{}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	payload, _ := json.Marshal(domain.ReportSubmittedEvent{ReportID: "missing"})
	if err := f.worker.handleMessage(ctx, &domain.Message{ID: "m3", Payload: payload}); err != nil {
		t.Fatalf("dispatch should succeed, got %v", err)
	}

	// Stop waits for the in-flight analysis.
	f.worker.Stop()

	list, err := f.repo.ListAnalyses(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("expected no analyses for a missing report, got %d", len(list))
	}
}
