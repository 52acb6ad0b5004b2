// Package issuance composes the credit formula and the serial allocator into
// a batch identity, and drives the report lifecycle around it.
package issuance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/carbonmint/internal/credit"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/rowset"
	"github.com/opensource-finance/carbonmint/internal/serial"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("carbonmint-issuance")

// Orchestrator holds no state of its own; the allocator owns the counters.
type Orchestrator struct {
	allocator domain.SerialAllocator
}

// NewOrchestrator creates an orchestrator over allocator.
func NewOrchestrator(allocator domain.SerialAllocator) *Orchestrator {
	return &Orchestrator{allocator: allocator}
}

// Plan is the credit outcome of a report and the counter its serials come
// from. Nothing is reserved until the plan is issued.
type Plan struct {
	Key     domain.SerialKey
	Prefix  string
	Credits domain.CreditComputationResult
}

// Identity names the batch formed by range r of the plan.
func (p *Plan) Identity(r domain.SerialRange) domain.BatchIdentity {
	return domain.BatchIdentity{
		BatchCode:     serial.BatchCode(p.Prefix, r),
		SerialPrefix:  p.Prefix,
		SerialFrom:    r.From,
		SerialTo:      r.To,
		VintageYear:   p.Key.VintageYear,
		CreditsCount:  p.Credits.CreditsCount,
		TotalTCO2e:    p.Credits.TotalTCO2e,
		ResidualTCO2e: p.Credits.ResidualTCO2e,
	}
}

// Plan validates the entities and computes the report's credits. It returns
// domain.ErrNoCredits when the report yields no whole credit.
func (o *Orchestrator) Plan(ctx context.Context, report *domain.Report, project *domain.Project, company *domain.Company) (*Plan, error) {
	if err := checkEntities(report, project, company); err != nil {
		return nil, err
	}

	_, span := tracer.Start(ctx, "issuance.Plan")
	defer span.End()

	year, err := VintageYear(report.Period)
	if err != nil {
		return nil, err
	}

	res, err := credit.Compute(report, project)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("report.id", report.ID),
		attribute.String("credits.total_tco2e", res.TotalTCO2e.String()),
		attribute.Int64("credits.count", res.CreditsCount),
	)
	if res.CreditsCount == 0 {
		return nil, fmt.Errorf("%w: report %s yields %s tCO2e", domain.ErrNoCredits, report.ID, res.TotalTCO2e.StringFixed(3))
	}

	return &Plan{
		Key:     domain.SerialKey{VintageYear: year, ProjectID: project.ID, CompanyID: company.ID},
		Prefix:  serial.Prefix(year, company.Code, project.Code),
		Credits: res,
	}, nil
}

// Issue computes credits and reserves their serials. It returns
// domain.ErrNoCredits without touching the allocator when the report yields
// no whole credit.
func (o *Orchestrator) Issue(ctx context.Context, report *domain.Report, project *domain.Project, company *domain.Company) (*domain.BatchIdentity, error) {
	plan, err := o.Plan(ctx, report, project, company)
	if err != nil {
		return nil, err
	}
	return o.Reserve(ctx, plan)
}

// Reserve allocates the plan's serials.
func (o *Orchestrator) Reserve(ctx context.Context, plan *Plan) (*domain.BatchIdentity, error) {
	ctx, span := tracer.Start(ctx, "issuance.Reserve")
	defer span.End()

	r, err := o.allocator.Allocate(ctx, plan.Key, plan.Credits.CreditsCount)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("allocate serials: %w", err)
	}
	identity := plan.Identity(r)
	return &identity, nil
}

// Transactional returns the allocator when it can commit a batch in the same
// transaction as its counter advance.
func (o *Orchestrator) Transactional() (domain.BatchIssuer, bool) {
	issuer, ok := o.allocator.(domain.BatchIssuer)
	return issuer, ok
}

func checkEntities(report *domain.Report, project *domain.Project, company *domain.Company) error {
	switch {
	case report == nil || project == nil || company == nil:
		return fmt.Errorf("%w: report, project and company are required", domain.ErrInvalidInput)
	case report.ProjectID != "" && report.ProjectID != project.ID:
		return fmt.Errorf("%w: report %s belongs to project %s, not %s", domain.ErrInvalidInput, report.ID, report.ProjectID, project.ID)
	case project.CompanyID != "" && project.CompanyID != company.ID:
		return fmt.Errorf("%w: project %s belongs to company %s, not %s", domain.ErrInvalidInput, project.ID, project.CompanyID, company.ID)
	case strings.TrimSpace(company.Code) == "" || strings.TrimSpace(project.Code) == "":
		return fmt.Errorf("%w: company and project codes are required for serial prefixes", domain.ErrInvalidInput)
	}
	return nil
}

// VintageYear extracts the year from a YYYY-MM period.
func VintageYear(period string) (int, error) {
	if !rowset.ValidPeriod(period) {
		return 0, fmt.Errorf("%w: period %q is not YYYY-MM", domain.ErrInvalidInput, period)
	}
	year, err := strconv.Atoi(period[:4])
	if err != nil {
		return 0, fmt.Errorf("%w: period %q: %v", domain.ErrInvalidInput, period, err)
	}
	return year, nil
}
