// Package credit converts an approved report's emissions into carbon credits.
//
// All arithmetic is exact decimal with truncation toward zero so that credits
// are never over-issued relative to the adjusted emissions.
package credit

import (
	"fmt"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/shopspring/decimal"
)

// FallbackEmissionFactor is used when a project has no emission factor (kg/kWh).
var FallbackEmissionFactor = decimal.RequireFromString("0.4")

// Factor sources reported in CreditComputationResult.FactorSource.
const (
	SourceReport   = "report"
	SourceProject  = "project"
	SourceFallback = "fallback"
)

const (
	tonnesScale = 6
	tco2eScale  = 3
)

var kgPerTonne = decimal.NewFromInt(1000)

// Compute applies the credit formula. It is pure and deterministic.
func Compute(report *domain.Report, project *domain.Project) (domain.CreditComputationResult, error) {
	var res domain.CreditComputationResult
	if report == nil || project == nil {
		return res, fmt.Errorf("%w: report and project are required", domain.ErrInvalidInput)
	}

	gross, source, err := grossCO2Kg(report, project)
	if err != nil {
		return res, err
	}

	multiplier, err := deductionMultiplier(project)
	if err != nil {
		return res, err
	}

	tonnes := gross.Div(kgPerTonne).Truncate(tonnesScale)
	total := tonnes.Mul(multiplier).Truncate(tco2eScale)
	credits := total.Floor()

	res = domain.CreditComputationResult{
		TotalTCO2e:    total,
		CreditsCount:  credits.IntPart(),
		ResidualTCO2e: total.Sub(credits).Truncate(tco2eScale),
		GrossCO2Kg:    gross,
		GrossTonnes:   tonnes,
		Multiplier:    multiplier,
		FactorSource:  source,
	}
	return res, nil
}

// grossCO2Kg prefers the report's own total and otherwise derives it from
// energy and the project's emission factor.
func grossCO2Kg(report *domain.Report, project *domain.Project) (decimal.Decimal, string, error) {
	if report.TotalCO2Kg.Valid && report.TotalCO2Kg.Decimal.IsPositive() {
		return report.TotalCO2Kg.Decimal, SourceReport, nil
	}

	if !report.TotalEnergyKWh.Valid {
		return decimal.Zero, "", fmt.Errorf("%w: report %s has neither totalCo2 nor totalEnergy", domain.ErrInvalidInput, report.ID)
	}
	energy := report.TotalEnergyKWh.Decimal
	if energy.IsNegative() {
		return decimal.Zero, "", fmt.Errorf("%w: report %s has negative totalEnergy", domain.ErrInvalidInput, report.ID)
	}

	factor, source := FallbackEmissionFactor, SourceFallback
	if project.EmissionFactorKgPerKWh.Valid {
		factor, source = project.EmissionFactorKgPerKWh.Decimal, SourceProject
	}
	if factor.IsNegative() {
		return decimal.Zero, "", fmt.Errorf("%w: project %s has negative emission factor", domain.ErrInvalidInput, project.ID)
	}

	return energy.Mul(factor), source, nil
}

// deductionMultiplier returns 1 - buffer - uncertainty - leakage, floored at 0.
func deductionMultiplier(project *domain.Project) (decimal.Decimal, error) {
	deductions := []struct {
		name string
		pct  decimal.NullDecimal
	}{
		{"bufferReservePct", project.BufferReservePct},
		{"uncertaintyPct", project.UncertaintyPct},
		{"leakagePct", project.LeakagePct},
	}

	m := decimal.NewFromInt(1)
	for _, d := range deductions {
		if !d.pct.Valid {
			continue
		}
		if d.pct.Decimal.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: project %s has negative %s", domain.ErrInvalidInput, project.ID, d.name)
		}
		m = m.Sub(d.pct.Decimal)
	}

	if m.IsNegative() {
		return decimal.Zero, nil
	}
	return m, nil
}
