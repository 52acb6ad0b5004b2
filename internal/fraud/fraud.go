// Package fraud scores suspicious patterns in a report's rows.
package fraud

import (
	"fmt"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/rowset"
	"github.com/opensource-finance/carbonmint/internal/stats"
)

// Contribution is one heuristic's share of the fraud score.
type Contribution struct {
	Heuristic string `json:"heuristic"`
	Points    int    `json:"points"`
	Reason    string `json:"reason"`
}

// heuristic returns the points it contributes and a reason when triggered.
type heuristic struct {
	name  string
	check func(ac *domain.AnalysisContext) (int, string)
}

// Detector runs the fraud heuristics. It holds no state.
type Detector struct {
	heuristics []heuristic
}

// NewDetector returns a detector with the standard heuristics.
func NewDetector() *Detector {
	return &Detector{
		heuristics: []heuristic{
			{"duplicate_plates", duplicatePlates},
			{"repeated_values", repeatedValues},
			{"uniformity", uniformity},
			{"period_consistency", periodConsistency},
		},
	}
}

// Detect sums the heuristic contributions, capped at domain.FraudRiskMax.
// Every triggered heuristic reports a reason even when the cap is reached.
func (d *Detector) Detect(ac *domain.AnalysisContext) domain.FraudAssessment {
	contributions := d.Contributions(ac)

	total := 0
	reasons := make([]string, 0, len(contributions))
	for _, c := range contributions {
		total += c.Points
		reasons = append(reasons, c.Reason)
	}
	if total > domain.FraudRiskMax {
		total = domain.FraudRiskMax
	}

	return domain.FraudAssessment{
		Score:   total,
		Max:     domain.FraudRiskMax,
		Reasons: reasons,
	}
}

// Contributions returns the triggered heuristics in evaluation order.
func (d *Detector) Contributions(ac *domain.AnalysisContext) []Contribution {
	var out []Contribution
	for _, h := range d.heuristics {
		points, reason := h.check(ac)
		if points <= 0 {
			continue
		}
		out = append(out, Contribution{Heuristic: h.name, Points: points, Reason: reason})
	}
	return out
}

func duplicatePlates(ac *domain.AnalysisContext) (int, string) {
	dups := rowset.DuplicatePlates(ac.Rows)
	if dups == 0 {
		return 0, ""
	}
	return min(10, dups*2), fmt.Sprintf("%d rows reuse a license plate", dups)
}

func repeatedValues(ac *domain.AnalysisContext) (int, string) {
	keys := rowset.RepeatedEnergyKeys(ac.Rows, ac.Config.RoundingScale)
	switch {
	case len(keys) > 3:
		return 10, fmt.Sprintf("%d energy values repeat across rows", len(keys))
	case len(keys) > 0:
		return 5, fmt.Sprintf("%d energy values repeat across rows", len(keys))
	default:
		return 0, ""
	}
}

func uniformity(ac *domain.AnalysisContext) (int, string) {
	cv, ok := stats.CoefficientOfVariation(rowset.Energies(ac.Rows))
	if !ok || cv >= ac.Config.CVThreshold {
		return 0, ""
	}
	return 5, fmt.Sprintf("energy values are unnaturally uniform (cv=%.4f)", cv)
}

func periodConsistency(ac *domain.AnalysisContext) (int, string) {
	s := rowset.Periods(ac.Rows)
	if s.Consistent() {
		return 0, ""
	}
	if s.Invalid > 0 {
		return 5, fmt.Sprintf("%d rows carry a malformed period", s.Invalid)
	}
	return 5, fmt.Sprintf("rows span %d periods", s.Distinct)
}
