// Package rowset builds the normalized analysis rows for a report and computes
// the row-level metrics shared by the rule engine and the fraud detector.
package rowset

import (
	"regexp"
	"strings"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/shopspring/decimal"
)

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ValidPeriod reports whether s is formatted as YYYY-MM.
func ValidPeriod(s string) bool {
	return periodPattern.MatchString(s)
}

// Build converts raw detail lines into analysis rows. It never fails:
// unparseable energy cells become nil so the rules can score them.
func Build(details []domain.ReportDetail) []domain.AnalysisRow {
	rows := make([]domain.AnalysisRow, 0, len(details))
	for _, d := range details {
		row := domain.AnalysisRow{
			Period:    strings.TrimSpace(d.Period),
			RawEnergy: strings.TrimSpace(d.TotalEnergy),
		}
		if row.RawEnergy != "" {
			if v, err := decimal.NewFromString(row.RawEnergy); err == nil {
				row.TotalEnergy = &v
			}
		}
		if plate := strings.TrimSpace(d.LicensePlate); plate != "" {
			row.LicensePlate = &plate
		}
		rows = append(rows, row)
	}
	return rows
}

// Columns normalizes header names into a lookup set.
func Columns(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = true
		}
	}
	return set
}

// NewContext builds an analysis context from raw report data.
func NewContext(columns []string, details []domain.ReportDetail, cfg domain.AnalysisConfig) *domain.AnalysisContext {
	return &domain.AnalysisContext{
		Rows:    Build(details),
		Columns: Columns(columns),
		Config:  cfg,
	}
}

// MissingColumns returns the required columns absent from the sheet.
func MissingColumns(ac *domain.AnalysisContext) []string {
	var missing []string
	for _, c := range ac.Config.RequiredColumns {
		if !ac.HasColumn(strings.ToLower(c)) {
			missing = append(missing, c)
		}
	}
	return missing
}

// NullCells counts blank period, energy and plate cells.
func NullCells(rows []domain.AnalysisRow) int {
	nulls := 0
	for _, r := range rows {
		if r.Period == "" {
			nulls++
		}
		if r.RawEnergy == "" {
			nulls++
		}
		if r.LicensePlate == nil {
			nulls++
		}
	}
	return nulls
}

// PeriodSummary describes the period column of a row-set.
type PeriodSummary struct {
	Distinct int      `json:"distinct"`
	Invalid  int      `json:"invalid"`
	Values   []string `json:"values"`
}

// Periods summarizes distinct and malformed period values.
func Periods(rows []domain.AnalysisRow) PeriodSummary {
	seen := make(map[string]bool)
	var s PeriodSummary
	for _, r := range rows {
		if !ValidPeriod(r.Period) {
			s.Invalid++
		}
		if !seen[r.Period] {
			seen[r.Period] = true
			s.Values = append(s.Values, r.Period)
		}
	}
	s.Distinct = len(seen)
	return s
}

// Consistent reports whether every row carries the same well-formed period.
func (s PeriodSummary) Consistent() bool {
	return s.Invalid == 0 && s.Distinct <= 1
}

// InvalidEnergy counts rows whose energy is missing, not numeric, or not positive.
func InvalidEnergy(rows []domain.AnalysisRow) int {
	invalid := 0
	for _, r := range rows {
		if r.TotalEnergy == nil || !r.TotalEnergy.IsPositive() {
			invalid++
		}
	}
	return invalid
}

// Energies returns the numeric energy values as floats for descriptive statistics.
func Energies(rows []domain.AnalysisRow) []float64 {
	values := make([]float64, 0, len(rows))
	for _, r := range rows {
		if r.TotalEnergy != nil {
			values = append(values, r.TotalEnergy.InexactFloat64())
		}
	}
	return values
}

// TotalEnergy sums the numeric energy values exactly.
func TotalEnergy(rows []domain.AnalysisRow) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		if r.TotalEnergy != nil {
			total = total.Add(*r.TotalEnergy)
		}
	}
	return total
}

// DuplicatePlates counts rows whose license plate already appeared on an
// earlier row. Plates compare case-insensitively.
func DuplicatePlates(rows []domain.AnalysisRow) int {
	seen := make(map[string]bool)
	dups := 0
	for _, r := range rows {
		if r.LicensePlate == nil {
			continue
		}
		plate := strings.ToUpper(*r.LicensePlate)
		if seen[plate] {
			dups++
			continue
		}
		seen[plate] = true
	}
	return dups
}

// DuplicateRows counts rows structurally identical to an earlier row.
func DuplicateRows(rows []domain.AnalysisRow) int {
	seen := make(map[string]bool)
	dups := 0
	for _, r := range rows {
		k := rowKey(r)
		if seen[k] {
			dups++
			continue
		}
		seen[k] = true
	}
	return dups
}

func rowKey(r domain.AnalysisRow) string {
	var b strings.Builder
	b.WriteString(r.Period)
	b.WriteByte(0)
	if r.TotalEnergy != nil {
		b.WriteString(r.TotalEnergy.String())
	} else {
		b.WriteString("\x01")
		b.WriteString(r.RawEnergy)
	}
	b.WriteByte(0)
	if r.LicensePlate != nil {
		b.WriteString(*r.LicensePlate)
	} else {
		b.WriteString("\x01")
	}
	return b.String()
}

// RepeatedEnergyKeys rounds each numeric energy to scale decimal places and
// returns the rounded keys that occur on more than one row.
func RepeatedEnergyKeys(rows []domain.AnalysisRow, scale int32) []string {
	counts := make(map[string]int)
	var order []string
	for _, r := range rows {
		if r.TotalEnergy == nil {
			continue
		}
		k := r.TotalEnergy.Round(scale).StringFixed(scale)
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}

	var repeated []string
	for _, k := range order {
		if counts[k] > 1 {
			repeated = append(repeated, k)
		}
	}
	return repeated
}
