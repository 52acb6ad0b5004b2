package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/rowset"
	"github.com/opensource-finance/carbonmint/internal/stats"
)

// Rule is a stateless data-quality check.
type Rule interface {
	ID() string
	Name() string
	MaxScore() int
	Apply(ac *domain.AnalysisContext) domain.RuleResult
}

// ruleFunc adapts a scoring function to the Rule interface.
type ruleFunc struct {
	id    string
	name  string
	max   int
	apply func(ac *domain.AnalysisContext) (score int, msg string, evidence map[string]any)
}

func (r ruleFunc) ID() string    { return r.id }
func (r ruleFunc) Name() string  { return r.name }
func (r ruleFunc) MaxScore() int { return r.max }

func (r ruleFunc) Apply(ac *domain.AnalysisContext) domain.RuleResult {
	score, msg, evidence := r.apply(ac)
	return newResult(r.id, r.name, r.max, score, msg, evidence)
}

// newResult clamps score into [0, limit] and derives the severity.
func newResult(id, name string, limit, score int, msg string, evidence map[string]any) domain.RuleResult {
	if score < 0 {
		score = 0
	}
	if score > limit {
		score = limit
	}

	sev := domain.SeverityWarn
	switch {
	case score == limit:
		sev = domain.SeverityInfo
	case score == 0:
		sev = domain.SeverityError
	}

	return domain.RuleResult{
		RuleID:   id,
		Name:     name,
		Score:    score,
		MaxScore: limit,
		Message:  msg,
		Evidence: evidence,
		Severity: sev,
	}
}

// Rule identifiers of the fixed rubric.
const (
	RuleSchema       = "DQ1_SCHEMA"
	RulePeriod       = "DQ2_PERIOD"
	RuleEnergy       = "DQ3_ENERGY"
	RuleDupPlate     = "DQ4_DUP_PLATE"
	RuleDupRow       = "DQ5_DUP_ROW"
	RuleOutlierIQR   = "DQ6_OUTLIER_IQR"
	RuleUniformityCV = "DQ7_UNIFORMITY_CV"
	RuleRepeatValues = "DQ8_REPEAT_VALUES"
)

// DefaultRules returns the fixed rubric in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		ruleFunc{RuleSchema, "Schema completeness", 10, schemaRule},
		ruleFunc{RulePeriod, "Period consistency", 10, periodRule},
		ruleFunc{RuleEnergy, "Energy validity", 15, energyRule},
		ruleFunc{RuleDupPlate, "Duplicate license plates", 10, dupPlateRule},
		ruleFunc{RuleDupRow, "Duplicate rows", 5, dupRowRule},
		ruleFunc{RuleOutlierIQR, "Energy outliers (IQR)", 10, outlierRule},
		ruleFunc{RuleUniformityCV, "Energy uniformity (CV)", 5, uniformityRule},
		ruleFunc{RuleRepeatValues, "Repeated energy values", 5, repeatValuesRule},
	}
}

func schemaRule(ac *domain.AnalysisContext) (int, string, map[string]any) {
	missing := rowset.MissingColumns(ac)
	if len(missing) > 0 {
		return 0, "missing required columns: " + strings.Join(missing, ", "),
			map[string]any{"missingColumns": missing}
	}

	nulls := rowset.NullCells(ac.Rows)
	if nulls > 0 {
		return 5, fmt.Sprintf("%d empty cells in required columns", nulls),
			map[string]any{"nullCells": nulls}
	}
	return 10, "all required columns present", map[string]any{"nullCells": 0}
}

func periodRule(ac *domain.AnalysisContext) (int, string, map[string]any) {
	s := rowset.Periods(ac.Rows)
	evidence := map[string]any{"distinct": s.Distinct, "invalid": s.Invalid, "values": s.Values}

	switch {
	case s.Invalid > 0:
		return 0, fmt.Sprintf("%d rows with period not in YYYY-MM format", s.Invalid), evidence
	case s.Distinct > 1:
		return 5, fmt.Sprintf("report spans %d periods", s.Distinct), evidence
	default:
		return 10, "single well-formed period", evidence
	}
}

func energyRule(ac *domain.AnalysisContext) (int, string, map[string]any) {
	total := len(ac.Rows)
	invalid := rowset.InvalidEnergy(ac.Rows)
	evidence := map[string]any{"invalid": invalid, "rows": total}

	if invalid == 0 {
		return 15, "all energy values numeric and positive", evidence
	}

	ratio := float64(total-invalid) / float64(total)
	evidence["validRatio"] = ratio
	msg := fmt.Sprintf("%d of %d energy values missing, non-numeric or non-positive", invalid, total)

	switch {
	case ratio >= 0.95:
		return 10, msg, evidence
	case ratio >= 0.80:
		return 5, msg, evidence
	default:
		return 0, msg, evidence
	}
}

func dupPlateRule(ac *domain.AnalysisContext) (int, string, map[string]any) {
	dups := rowset.DuplicatePlates(ac.Rows)
	evidence := map[string]any{"duplicates": dups}
	msg := fmt.Sprintf("%d repeated license plates", dups)

	switch {
	case dups == 0:
		return 10, "no repeated license plates", evidence
	case dups <= 2:
		return 7, msg, evidence
	case dups <= 5:
		return 3, msg, evidence
	default:
		return 0, msg, evidence
	}
}

func dupRowRule(ac *domain.AnalysisContext) (int, string, map[string]any) {
	dups := rowset.DuplicateRows(ac.Rows)
	evidence := map[string]any{"duplicates": dups}
	msg := fmt.Sprintf("%d duplicate rows", dups)

	switch {
	case dups == 0:
		return 5, "no duplicate rows", evidence
	case dups <= 2:
		return 3, msg, evidence
	default:
		return 0, msg, evidence
	}
}

// minOutlierSample is the smallest sample the IQR check runs on.
const minOutlierSample = 4

func outlierRule(ac *domain.AnalysisContext) (int, string, map[string]any) {
	values := rowset.Energies(ac.Rows)
	if len(values) < minOutlierSample {
		return 10, fmt.Sprintf("skipped: %d values, need at least %d", len(values), minOutlierSample),
			map[string]any{"values": len(values), "skipped": true}
	}

	f := stats.TukeyFences(values)
	n := f.Outliers(values)
	evidence := map[string]any{
		"outliers": n,
		"q1":       f.Q1,
		"q3":       f.Q3,
		"lower":    f.Lower,
		"upper":    f.Upper,
	}
	msg := fmt.Sprintf("%d energy values outside [%.4f, %.4f]", n, f.Lower, f.Upper)

	switch {
	case n == 0:
		return 10, "no energy outliers", evidence
	case n <= 2:
		return 8, msg, evidence
	case n <= 5:
		return 5, msg, evidence
	default:
		return 2, msg, evidence
	}
}

func uniformityRule(ac *domain.AnalysisContext) (int, string, map[string]any) {
	values := rowset.Energies(ac.Rows)
	cv, ok := stats.CoefficientOfVariation(values)
	if !ok {
		return 5, fmt.Sprintf("skipped: %d values or zero mean", len(values)),
			map[string]any{"values": len(values), "skipped": true}
	}

	threshold := ac.Config.CVThreshold
	evidence := map[string]any{"cv": cv, "threshold": threshold}
	if cv < threshold {
		return 2, fmt.Sprintf("energy values suspiciously uniform (cv=%.4f < %.4f)", cv, threshold), evidence
	}
	return 5, fmt.Sprintf("energy variation normal (cv=%.4f)", cv), evidence
}

func repeatValuesRule(ac *domain.AnalysisContext) (int, string, map[string]any) {
	keys := rowset.RepeatedEnergyKeys(ac.Rows, ac.Config.RoundingScale)
	evidence := map[string]any{"repeatedKeys": len(keys), "scale": ac.Config.RoundingScale}
	if len(keys) > 0 {
		evidence["keys"] = keys
	}

	switch {
	case len(keys) == 0:
		return 5, "no repeated rounded energy values", evidence
	case len(keys) <= 3:
		return 3, fmt.Sprintf("%d repeated rounded energy values", len(keys)), evidence
	default:
		return 1, fmt.Sprintf("%d repeated rounded energy values", len(keys)), evidence
	}
}
