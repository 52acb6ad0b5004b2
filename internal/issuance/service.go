package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/metrics"
)

// Service loads the entities for a report, claims it for issuance, runs the
// orchestrator and records the resulting batch.
type Service struct {
	repo         domain.Repository
	orchestrator *Orchestrator
	bus          domain.EventBus
}

// NewService creates an issuance service. bus may be nil.
func NewService(repo domain.Repository, orchestrator *Orchestrator, bus domain.EventBus) *Service {
	return &Service{repo: repo, orchestrator: orchestrator, bus: bus}
}

// BatchIssuedEvent is the payload of domain.TopicBatchIssued.
type BatchIssuedEvent struct {
	BatchID      string `json:"batchId"`
	ReportID     string `json:"reportId"`
	BatchCode    string `json:"batchCode"`
	CreditsCount int64  `json:"creditsCount"`
}

// Issue issues credits for an approved report.
//
// The report is moved APPROVED -> ISSUING before any serial is allocated, so
// concurrent calls for the same report cannot both allocate. Any failure
// returns the report to APPROVED.
func (s *Service) Issue(ctx context.Context, reportID string) (*domain.CreditBatch, error) {
	start := time.Now()

	report, err := s.repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	project, err := s.repo.GetProject(ctx, report.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", report.ProjectID, err)
	}
	company, err := s.repo.GetCompany(ctx, report.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("company %s: %w", report.CompanyID, err)
	}

	if err := s.claim(ctx, report.ID); err != nil {
		metrics.RecordIssuance(metrics.OutcomeRejected, 0)
		return nil, err
	}

	batch, err := s.issue(ctx, report, project, company)
	if err != nil {
		s.release(report.ID)
		metrics.RecordIssuance(outcomeFor(err), 0)
		switch {
		case errors.Is(err, domain.ErrNoCredits):
			slog.Info("no credits to issue",
				"report_id", report.ID,
				"reason", err.Error(),
			)
		case domain.IsRetryable(err):
			slog.Warn("serial allocation contended",
				"report_id", report.ID,
				"error", err,
			)
		default:
			slog.Error("issuance failed",
				"report_id", report.ID,
				"error", err,
			)
		}
		return nil, err
	}

	s.publish(ctx, batch)
	metrics.RecordIssuance(metrics.OutcomeIssued, batch.CreditsCount)

	slog.Info("credits issued",
		"report_id", report.ID,
		"batch_code", batch.BatchCode,
		"credits", batch.CreditsCount,
		"total_tco2e", batch.TotalTCO2e.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return batch, nil
}

// issue reserves the serials and records the batch. A transactional
// allocator commits the counter, the batch and the ISSUED status together.
// Otherwise the batch is saved after allocation, and a failed save leaves
// the reserved range unused.
func (s *Service) issue(ctx context.Context, report *domain.Report, project *domain.Project, company *domain.Company) (*domain.CreditBatch, error) {
	plan, err := s.orchestrator.Plan(ctx, report, project, company)
	if err != nil {
		return nil, err
	}

	newBatch := func(r domain.SerialRange) *domain.CreditBatch {
		return &domain.CreditBatch{
			ID:            uuid.New().String(),
			ReportID:      report.ID,
			ProjectID:     project.ID,
			CompanyID:     company.ID,
			BatchIdentity: plan.Identity(r),
			IssuedAt:      time.Now().UTC(),
		}
	}

	if issuer, ok := s.orchestrator.Transactional(); ok {
		batch, err := issuer.IssueBatch(ctx, plan.Key, plan.Credits.CreditsCount, newBatch)
		if err != nil {
			return nil, fmt.Errorf("issue batch: %w", err)
		}
		return batch, nil
	}

	identity, err := s.orchestrator.Reserve(ctx, plan)
	if err != nil {
		return nil, err
	}
	batch := newBatch(domain.SerialRange{From: identity.SerialFrom, To: identity.SerialTo})

	if err := s.repo.SaveBatch(ctx, batch); err != nil {
		slog.Error("failed to save issued batch, serial range left unused",
			"report_id", report.ID,
			"batch_code", batch.BatchCode,
			"serial_from", batch.SerialFrom,
			"serial_to", batch.SerialTo,
			"error", err,
		)
		return nil, fmt.Errorf("save batch: %w", err)
	}

	if err := s.repo.TransitionReportStatus(ctx, report.ID, domain.ReportIssuing, domain.ReportIssued); err != nil {
		slog.Error("failed to mark report issued",
			"report_id", report.ID,
			"batch_id", batch.ID,
			"error", err,
		)
	}
	return batch, nil
}

// claim moves the report to ISSUING or explains why it cannot be.
func (s *Service) claim(ctx context.Context, reportID string) error {
	err := s.repo.TransitionReportStatus(ctx, reportID, domain.ReportApproved, domain.ReportIssuing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrStatusConflict) {
		return err
	}

	current, gerr := s.repo.GetReport(ctx, reportID)
	if gerr != nil {
		return gerr
	}
	switch current.Status {
	case domain.ReportIssued, domain.ReportIssuing:
		return fmt.Errorf("%w: report %s is %s", domain.ErrAlreadyIssued, reportID, current.Status)
	default:
		return fmt.Errorf("%w: report %s is %s", domain.ErrReportNotApproved, reportID, current.Status)
	}
}

// release returns a claimed report to APPROVED. It runs detached from the
// request context so a cancelled request still releases its claim.
func (s *Service) release(reportID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.TransitionReportStatus(ctx, reportID, domain.ReportIssuing, domain.ReportApproved); err != nil {
		slog.Error("failed to release issuance claim",
			"report_id", reportID,
			"error", err,
		)
	}
}

func (s *Service) publish(ctx context.Context, batch *domain.CreditBatch) {
	if s.bus == nil {
		return
	}

	payload, _ := json.Marshal(BatchIssuedEvent{
		BatchID:      batch.ID,
		ReportID:     batch.ReportID,
		BatchCode:    batch.BatchCode,
		CreditsCount: batch.CreditsCount,
	})
	if err := s.bus.Publish(ctx, domain.TopicBatchIssued, payload); err != nil {
		slog.Error("failed to publish batch issued",
			"batch_id", batch.ID,
			"error", err,
		)
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoCredits):
		return metrics.OutcomeNoCredits
	case errors.Is(err, domain.ErrLockTimeout):
		return metrics.OutcomeLockTimeout
	case errors.Is(err, domain.ErrInvalidInput):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
