// Package analysis aggregates rubric, fraud and advisory results into an
// AnalysisResult for the approval workflow.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/fraud"
	"github.com/opensource-finance/carbonmint/internal/rowset"
	"github.com/opensource-finance/carbonmint/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("carbonmint-analysis")

// Analyzer runs one analysis pass over a report. It is safe for concurrent use.
type Analyzer struct {
	engine   *rules.Engine
	detector *fraud.Detector
	cfg      domain.AnalysisConfig
}

// NewAnalyzer creates an analyzer. Negative thresholds fall back to the
// defaults; a zero CVThreshold turns the uniformity checks off.
func NewAnalyzer(engine *rules.Engine, detector *fraud.Detector, cfg domain.AnalysisConfig) *Analyzer {
	def := domain.DefaultAnalysisConfig()
	if cfg.CVThreshold < 0 {
		cfg.CVThreshold = def.CVThreshold
	}
	if cfg.RoundingScale < 0 {
		cfg.RoundingScale = def.RoundingScale
	}
	if len(cfg.RequiredColumns) == 0 {
		cfg.RequiredColumns = def.RequiredColumns
	}
	if detector == nil {
		detector = fraud.NewDetector()
	}

	return &Analyzer{
		engine:   engine,
		detector: detector,
		cfg:      cfg,
	}
}

// Config returns the effective analysis thresholds.
func (a *Analyzer) Config() domain.AnalysisConfig {
	return a.cfg
}

// Analyze scores a report's detail rows. The result is built in memory and
// returned whole; nothing is persisted here.
func (a *Analyzer) Analyze(ctx context.Context, report *domain.Report, details []domain.ReportDetail) (*domain.AnalysisResult, error) {
	if report == nil {
		return nil, fmt.Errorf("%w: report is required", domain.ErrInvalidInput)
	}

	start := time.Now()

	ctx, span := tracer.Start(ctx, "analysis.Analyze")
	defer span.End()

	ac := rowset.NewContext(report.Columns, details, a.cfg)

	ruleResults := a.engine.Evaluate(ctx, ac)
	assessment := a.detector.Detect(ac)
	advisory := a.engine.EvaluateAdvisory(ctx, ac)

	result := &domain.AnalysisResult{
		ID:             uuid.New().String(),
		ReportID:       report.ID,
		RubricVersion:  domain.RubricVersion,
		DataQualityMax: a.engine.MaxScore(),
		FraudRiskScore: assessment.Score,
		FraudRiskMax:   assessment.Max,
		RuleResults:    ruleResults,
		FraudReasons:   assessment.Reasons,
		RowCount:       len(ac.Rows),
		CreatedAt:      time.Now().UTC(),
	}
	if len(advisory) > 0 {
		result.AdvisoryResults = advisory
	}
	for _, r := range ruleResults {
		result.DataQualityScore += r.Score
	}
	if result.FraudReasons == nil {
		result.FraudReasons = []string{}
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		result.TraceID = sc.TraceID().String()
	}
	result.DurationMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.String("report.id", report.ID),
		attribute.Int("analysis.rows", result.RowCount),
		attribute.Int("analysis.data_quality", result.DataQualityScore),
		attribute.Int("analysis.fraud_risk", result.FraudRiskScore),
	)

	return result, nil
}

// Summary is a compact view of an analysis used for logs and events.
type Summary struct {
	ReportID         string `json:"reportId"`
	AnalysisID       string `json:"analysisId"`
	DataQualityScore int    `json:"dataQualityScore"`
	FraudRiskScore   int    `json:"fraudRiskScore"`
	Findings         int    `json:"findings"`
}

// Summarize counts the rules that did not reach their full score.
func Summarize(r *domain.AnalysisResult) Summary {
	findings := 0
	for _, rr := range r.RuleResults {
		if rr.Score < rr.MaxScore {
			findings++
		}
	}
	return Summary{
		ReportID:         r.ReportID,
		AnalysisID:       r.ID,
		DataQualityScore: r.DataQualityScore,
		FraudRiskScore:   r.FraudRiskScore,
		Findings:         findings,
	}
}
