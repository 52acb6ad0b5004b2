package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/metrics"
)

// Runner loads a stored report, analyzes it, persists the result and
// announces it on the bus.
type Runner struct {
	repo     domain.Repository
	analyzer *Analyzer
	bus      domain.EventBus
}

// NewRunner creates a runner. bus may be nil.
func NewRunner(repo domain.Repository, analyzer *Analyzer, bus domain.EventBus) *Runner {
	return &Runner{repo: repo, analyzer: analyzer, bus: bus}
}

// Run analyzes the report with the given ID. source labels the caller in
// metrics ("api" or "worker").
func (r *Runner) Run(ctx context.Context, reportID, source string) (*domain.AnalysisResult, error) {
	report, err := r.repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	details, err := r.repo.GetReportDetails(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("load details: %w", err)
	}

	result, err := r.analyzer.Analyze(ctx, report, details)
	if err != nil {
		return nil, err
	}

	if err := r.repo.SaveAnalysis(ctx, result); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}

	metrics.RecordAnalysis(source, result.DataQualityScore, result.FraudRiskScore)

	summary := Summarize(result)
	if r.bus != nil {
		payload, _ := json.Marshal(summary)
		if err := r.bus.Publish(ctx, domain.TopicAnalysisCompleted, payload); err != nil {
			slog.Error("failed to publish analysis completed",
				"report_id", reportID,
				"analysis_id", result.ID,
				"error", err,
			)
		}
	}

	slog.Info("report analyzed",
		"report_id", reportID,
		"analysis_id", result.ID,
		"source", source,
		"data_quality", result.DataQualityScore,
		"fraud_risk", result.FraudRiskScore,
		"findings", summary.Findings,
		"duration_ms", result.DurationMs,
	)

	return result, nil
}
