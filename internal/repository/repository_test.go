package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "carbonmint-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{
		Driver:      "sqlite",
		SQLitePath:  tmpPath,
		LockTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// seed stores a company, a project and an approved report.
func seed(t *testing.T, repo *SQLRepository) (*domain.Company, *domain.Project, *domain.Report) {
	t.Helper()
	ctx := context.Background()

	company := &domain.Company{ID: "comp-1", Code: "VNX", Name: "VinExpress"}
	if err := repo.SaveCompany(ctx, company); err != nil {
		t.Fatalf("SaveCompany failed: %v", err)
	}

	project := &domain.Project{
		ID:                     "proj-1",
		CompanyID:              company.ID,
		Code:                   "EVBUS",
		Name:                   "Electric buses",
		EmissionFactorKgPerKWh: decimal.NewNullDecimal(decimal.RequireFromString("0.4")),
		BufferReservePct:       decimal.NewNullDecimal(decimal.RequireFromString("0.05")),
	}
	if err := repo.SaveProject(ctx, project); err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}

	report := &domain.Report{
		ID:             "rep-1",
		CompanyID:      company.ID,
		ProjectID:      project.ID,
		Period:         "2025-09",
		TotalEnergyKWh: decimal.NewNullDecimal(decimal.RequireFromString("126250.5")),
		Columns:        []string{"period", "total_energy", "license_plate"},
	}
	details := []domain.ReportDetail{
		{Period: "2025-09", TotalEnergy: "100.5", LicensePlate: "51A-123.45"},
		{Period: "2025-09", TotalEnergy: "abc", LicensePlate: ""},
	}
	if err := repo.SaveReport(ctx, report, details); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	return company, project, report
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	company, project, report := seed(t, repo)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("GetCompanyAndProject", func(t *testing.T) {
		c, err := repo.GetCompany(ctx, company.ID)
		if err != nil {
			t.Fatalf("GetCompany failed: %v", err)
		}
		if c.Code != "VNX" {
			t.Errorf("expected code VNX, got %s", c.Code)
		}

		p, err := repo.GetProject(ctx, project.ID)
		if err != nil {
			t.Fatalf("GetProject failed: %v", err)
		}
		if !p.EmissionFactorKgPerKWh.Valid || p.EmissionFactorKgPerKWh.Decimal.String() != "0.4" {
			t.Errorf("expected emission factor 0.4, got %+v", p.EmissionFactorKgPerKWh)
		}
		if p.UncertaintyPct.Valid {
			t.Error("unset percentage should read back as null")
		}
	})

	t.Run("DuplicateCompanyCode", func(t *testing.T) {
		err := repo.SaveCompany(ctx, &domain.Company{ID: "comp-2", Code: "VNX"})
		if !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("ProjectRequiresCompany", func(t *testing.T) {
		err := repo.SaveProject(ctx, &domain.Project{ID: "proj-x", CompanyID: "missing", Code: "X"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetReport", func(t *testing.T) {
		got, err := repo.GetReport(ctx, report.ID)
		if err != nil {
			t.Fatalf("GetReport failed: %v", err)
		}
		if got.Status != domain.ReportPending {
			t.Errorf("expected PENDING, got %s", got.Status)
		}
		if got.TotalCO2Kg.Valid {
			t.Error("expected null total CO2")
		}
		if got.TotalEnergyKWh.Decimal.String() != "126250.5" {
			t.Errorf("expected energy 126250.5, got %s", got.TotalEnergyKWh.Decimal)
		}
		if len(got.Columns) != 3 {
			t.Errorf("expected 3 columns, got %v", got.Columns)
		}
	})

	t.Run("GetReportDetailsKeepsRawText", func(t *testing.T) {
		details, err := repo.GetReportDetails(ctx, report.ID)
		if err != nil {
			t.Fatalf("GetReportDetails failed: %v", err)
		}
		if len(details) != 2 {
			t.Fatalf("expected 2 details, got %d", len(details))
		}
		if details[0].LineNo != 1 || details[1].LineNo != 2 {
			t.Errorf("expected line numbers 1,2 got %d,%d", details[0].LineNo, details[1].LineNo)
		}
		if details[1].TotalEnergy != "abc" {
			t.Errorf("expected raw text preserved, got %q", details[1].TotalEnergy)
		}
	})

	t.Run("ReportProjectMismatch", func(t *testing.T) {
		if err := repo.SaveCompany(ctx, &domain.Company{ID: "comp-3", Code: "OTH"}); err != nil {
			t.Fatal(err)
		}
		err := repo.SaveReport(ctx, &domain.Report{ID: "rep-x", CompanyID: "comp-3", ProjectID: project.ID, Period: "2025-09"}, nil)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetReport(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetReport: expected ErrNotFound, got %v", err)
		}
		if _, err := repo.GetAnalysis(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetAnalysis: expected ErrNotFound, got %v", err)
		}
		if _, err := repo.GetBatch(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetBatch: expected ErrNotFound, got %v", err)
		}
	})
}

func TestTransitionReportStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, _, report := seed(t, repo)

	if err := repo.TransitionReportStatus(ctx, report.ID, domain.ReportPending, domain.ReportApproved); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	err := repo.TransitionReportStatus(ctx, report.ID, domain.ReportPending, domain.ReportApproved)
	if !errors.Is(err, domain.ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict on stale source status, got %v", err)
	}

	err = repo.TransitionReportStatus(ctx, "missing", domain.ReportPending, domain.ReportApproved)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, _ := repo.GetReport(ctx, report.ID)
	if got.Status != domain.ReportApproved {
		t.Errorf("expected APPROVED, got %s", got.Status)
	}
}

func TestAnalyses(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, _, report := seed(t, repo)

	older := &domain.AnalysisResult{
		ID:               "an-1",
		ReportID:         report.ID,
		RubricVersion:    domain.RubricVersion,
		DataQualityScore: 55,
		DataQualityMax:   70,
		FraudRiskScore:   10,
		FraudRiskMax:     domain.FraudRiskMax,
		RuleResults: []domain.RuleResult{
			{RuleID: "DQ1_SCHEMA", Score: 10, MaxScore: 10, Severity: domain.SeverityInfo},
		},
		FraudReasons: []string{"duplicate plates"},
		RowCount:     2,
		CreatedAt:    time.Now().UTC().Add(-time.Minute),
	}
	newer := &domain.AnalysisResult{
		ID:             "an-2",
		ReportID:       report.ID,
		RubricVersion:  domain.RubricVersion,
		DataQualityMax: 70,
		FraudRiskMax:   domain.FraudRiskMax,
		AdvisoryResults: []domain.RuleResult{
			{RuleID: "ADV_SMALL", Score: 1, MaxScore: 5},
		},
		TraceID: "trace-1",
	}

	for _, a := range []*domain.AnalysisResult{older, newer} {
		if err := repo.SaveAnalysis(ctx, a); err != nil {
			t.Fatalf("SaveAnalysis failed: %v", err)
		}
	}

	got, err := repo.GetAnalysis(ctx, older.ID)
	if err != nil {
		t.Fatalf("GetAnalysis failed: %v", err)
	}
	if got.DataQualityScore != 55 || len(got.RuleResults) != 1 || got.RuleResults[0].RuleID != "DQ1_SCHEMA" {
		t.Errorf("analysis did not round-trip: %+v", got)
	}
	if len(got.FraudReasons) != 1 {
		t.Errorf("expected 1 fraud reason, got %v", got.FraudReasons)
	}

	list, err := repo.ListAnalyses(ctx, report.ID)
	if err != nil {
		t.Fatalf("ListAnalyses failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 analyses, got %d", len(list))
	}
	if list[0].ID != newer.ID {
		t.Errorf("expected newest first, got %s", list[0].ID)
	}
	if list[0].FraudReasons == nil {
		t.Error("fraud reasons should never be nil")
	}
	if len(list[0].AdvisoryResults) != 1 || list[0].TraceID != "trace-1" {
		t.Errorf("advisory results or trace id lost: %+v", list[0])
	}
}

func TestBatches(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	company, project, report := seed(t, repo)

	batch := &domain.CreditBatch{
		ID:        "batch-1",
		ReportID:  report.ID,
		ProjectID: project.ID,
		CompanyID: company.ID,
		BatchIdentity: domain.BatchIdentity{
			BatchCode:     "2025-VNX-EVBUS-000001-000050",
			SerialPrefix:  "2025-VNX-EVBUS",
			SerialFrom:    1,
			SerialTo:      50,
			VintageYear:   2025,
			CreditsCount:  50,
			TotalTCO2e:    decimal.RequireFromString("50.500"),
			ResidualTCO2e: decimal.RequireFromString("0.500"),
		},
	}
	if err := repo.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}

	got, err := repo.GetBatchByReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetBatchByReport failed: %v", err)
	}
	if got.ID != batch.ID || got.BatchCode != batch.BatchCode {
		t.Errorf("unexpected batch: %+v", got)
	}
	if !got.TotalTCO2e.Equal(decimal.RequireFromString("50.5")) {
		t.Errorf("expected total 50.5, got %s", got.TotalTCO2e)
	}

	dup := *batch
	dup.ID = "batch-2"
	dup.BatchCode = "2025-VNX-EVBUS-000051-000100"
	if err := repo.SaveBatch(ctx, &dup); !errors.Is(err, domain.ErrAlreadyIssued) {
		t.Errorf("expected ErrAlreadyIssued for second batch, got %v", err)
	}
}

func TestAdvisoryRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := &domain.AdvisoryRuleConfig{
		ID:         "ADV_SMALL",
		Name:       "Small report",
		Version:    "1.0.0",
		Expression: "row_count < 10",
		MaxScore:   5,
		Enabled:    true,
	}
	if err := repo.SaveAdvisoryRule(ctx, rule); err != nil {
		t.Fatalf("SaveAdvisoryRule failed: %v", err)
	}

	rule.Version = "1.1.0"
	rule.Enabled = false
	if err := repo.SaveAdvisoryRule(ctx, rule); err != nil {
		t.Fatalf("SaveAdvisoryRule upsert failed: %v", err)
	}

	rules, err := repo.ListAdvisoryRules(ctx)
	if err != nil {
		t.Fatalf("ListAdvisoryRules failed: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule after upsert, got %d", len(rules))
	}
	if rules[0].Version != "1.1.0" || rules[0].Enabled {
		t.Errorf("upsert did not replace the rule: %+v", rules[0])
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
