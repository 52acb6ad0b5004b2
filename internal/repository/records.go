package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/carbonmint/internal/domain"
)

// SaveAnalysis stores an analysis result. Results are append-only; a report
// may be analyzed any number of times.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, a *domain.AnalysisResult) error {
	if a == nil || a.ID == "" || a.ReportID == "" {
		return fmt.Errorf("%w: analysis id and report id are required", domain.ErrInvalidInput)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	ruleResults, _ := json.Marshal(a.RuleResults)
	fraudReasons, _ := json.Marshal(a.FraudReasons)
	advisoryResults, _ := json.Marshal(a.AdvisoryResults)

	query := `
		INSERT INTO analyses (
			id, report_id, rubric_version,
			data_quality_score, data_quality_max, fraud_risk_score, fraud_risk_max,
			rule_results, fraud_reasons, advisory_results,
			row_count, trace_id, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.ReportID, a.RubricVersion,
		a.DataQualityScore, a.DataQualityMax, a.FraudRiskScore, a.FraudRiskMax,
		string(ruleResults), string(fraudReasons), string(advisoryResults),
		a.RowCount, a.TraceID, a.DurationMs, a.CreatedAt,
	)
	return mapWriteError(err, "analysis "+a.ID)
}

const analysisColumns = `
	id, report_id, rubric_version,
	data_quality_score, data_quality_max, fraud_risk_score, fraud_risk_max,
	rule_results, fraud_reasons, advisory_results,
	row_count, trace_id, duration_ms, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*domain.AnalysisResult, error) {
	var a domain.AnalysisResult
	var ruleResults, fraudReasons string
	var advisoryResults, traceID sql.NullString

	if err := row.Scan(
		&a.ID, &a.ReportID, &a.RubricVersion,
		&a.DataQualityScore, &a.DataQualityMax, &a.FraudRiskScore, &a.FraudRiskMax,
		&ruleResults, &fraudReasons, &advisoryResults,
		&a.RowCount, &traceID, &a.DurationMs, &a.CreatedAt,
	); err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(ruleResults), &a.RuleResults)
	json.Unmarshal([]byte(fraudReasons), &a.FraudReasons)
	if advisoryResults.Valid && advisoryResults.String != "" {
		json.Unmarshal([]byte(advisoryResults.String), &a.AdvisoryResults)
	}
	if a.FraudReasons == nil {
		a.FraudReasons = []string{}
	}
	a.TraceID = traceID.String

	return &a, nil
}

// GetAnalysis retrieves an analysis result by ID.
func (r *SQLRepository) GetAnalysis(ctx context.Context, id string) (*domain.AnalysisResult, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE id = ?`

	a, err := scanAnalysis(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: analysis %s", domain.ErrNotFound, id)
	}
	return a, err
}

// ListAnalyses returns every analysis of a report, newest first.
func (r *SQLRepository) ListAnalyses(ctx context.Context, reportID string) ([]*domain.AnalysisResult, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE report_id = ? ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.AnalysisResult
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// SaveBatch stores an issued credit batch. A second batch for the same report
// fails with domain.ErrAlreadyIssued.
func (r *SQLRepository) SaveBatch(ctx context.Context, b *domain.CreditBatch) error {
	return r.insertBatch(ctx, r.db, b)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLRepository) insertBatch(ctx context.Context, db execer, b *domain.CreditBatch) error {
	if b == nil || b.ID == "" || b.ReportID == "" {
		return fmt.Errorf("%w: batch id and report id are required", domain.ErrInvalidInput)
	}
	if b.IssuedAt.IsZero() {
		b.IssuedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO credit_batches (
			id, report_id, project_id, company_id,
			batch_code, serial_prefix, serial_from, serial_to,
			vintage_year, credits_count, total_tco2e, residual_tco2e, issued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, r.rebind(query),
		b.ID, b.ReportID, b.ProjectID, b.CompanyID,
		b.BatchCode, b.SerialPrefix, b.SerialFrom, b.SerialTo,
		b.VintageYear, b.CreditsCount, b.TotalTCO2e, b.ResidualTCO2e, b.IssuedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: report %s", domain.ErrAlreadyIssued, b.ReportID)
	}
	return err
}

const batchColumns = `
	id, report_id, project_id, company_id,
	batch_code, serial_prefix, serial_from, serial_to,
	vintage_year, credits_count, total_tco2e, residual_tco2e, issued_at
`

func scanBatch(row rowScanner) (*domain.CreditBatch, error) {
	var b domain.CreditBatch
	err := row.Scan(
		&b.ID, &b.ReportID, &b.ProjectID, &b.CompanyID,
		&b.BatchCode, &b.SerialPrefix, &b.SerialFrom, &b.SerialTo,
		&b.VintageYear, &b.CreditsCount, &b.TotalTCO2e, &b.ResidualTCO2e, &b.IssuedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBatch retrieves a credit batch by ID.
func (r *SQLRepository) GetBatch(ctx context.Context, id string) (*domain.CreditBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM credit_batches WHERE id = ?`

	b, err := scanBatch(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, id)
	}
	return b, err
}

// GetBatchByReport retrieves the batch issued for a report.
func (r *SQLRepository) GetBatchByReport(ctx context.Context, reportID string) (*domain.CreditBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM credit_batches WHERE report_id = ?`

	b, err := scanBatch(r.db.QueryRowContext(ctx, r.rebind(query), reportID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch for report %s", domain.ErrNotFound, reportID)
	}
	return b, err
}

// SaveAdvisoryRule creates or replaces an advisory rule.
func (r *SQLRepository) SaveAdvisoryRule(ctx context.Context, rule *domain.AdvisoryRuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO advisory_rules (
			id, name, description, version, expression, max_score, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			max_score = excluded.max_score,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, rule.MaxScore, enabled,
		now, now,
	)
	return err
}

// ListAdvisoryRules returns every stored advisory rule, enabled or not.
func (r *SQLRepository) ListAdvisoryRules(ctx context.Context) ([]*domain.AdvisoryRuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, max_score, enabled
		FROM advisory_rules
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.AdvisoryRuleConfig
	for rows.Next() {
		var cfg domain.AdvisoryRuleConfig
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &description, &cfg.Version,
			&cfg.Expression, &cfg.MaxScore, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		rules = append(rules, &cfg)
	}

	return rules, rows.Err()
}
