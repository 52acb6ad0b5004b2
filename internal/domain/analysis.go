package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AnalysisRow is a normalized record extracted from one detail line.
// Rows are rebuilt on every analysis run and never mutated.
type AnalysisRow struct {
	Period       string
	TotalEnergy  *decimal.Decimal // nil when missing or not numeric
	LicensePlate *string          // nil when blank

	// RawEnergy is the uploaded cell text, kept to tell "missing" from "not numeric".
	RawEnergy string
}

// AnalysisContext is the input shared by every rule and the fraud detector.
type AnalysisContext struct {
	Rows    []AnalysisRow
	Columns map[string]bool
	Config  AnalysisConfig
}

// HasColumn reports whether the uploaded sheet carried the named column.
func (c *AnalysisContext) HasColumn(name string) bool {
	return c.Columns[name]
}

// Severity grades a rule outcome.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// RuleResult is the output of a single rule. 0 <= Score <= MaxScore.
type RuleResult struct {
	RuleID   string         `json:"ruleId"`
	Name     string         `json:"name"`
	Score    int            `json:"score"`
	MaxScore int            `json:"maxScore"`
	Message  string         `json:"message"`
	Evidence map[string]any `json:"evidence,omitempty"`
	Severity Severity       `json:"severity"`
}

// FraudAssessment is the output of the fraud detector.
type FraudAssessment struct {
	Score   int      `json:"score"`
	Max     int      `json:"max"`
	Reasons []string `json:"reasons"`
}

// FraudRiskMax bounds the fraud risk score.
const FraudRiskMax = 30

// RubricVersion identifies the fixed rule set and its weights.
const RubricVersion = "dq-rubric-1"

// AnalysisResult is the advisory output handed to the approval workflow.
type AnalysisResult struct {
	ID               string       `json:"id"`
	ReportID         string       `json:"reportId"`
	RubricVersion    string       `json:"rubricVersion"`
	DataQualityScore int          `json:"dataQualityScore"`
	DataQualityMax   int          `json:"dataQualityMax"`
	FraudRiskScore   int          `json:"fraudRiskScore"`
	FraudRiskMax     int          `json:"fraudRiskMax"`
	RuleResults      []RuleResult `json:"ruleResults"`
	FraudReasons     []string     `json:"fraudReasons"`

	// AdvisoryResults come from operator-defined CEL rules and never count
	// toward DataQualityScore.
	AdvisoryResults []RuleResult `json:"advisoryResults,omitempty"`

	RowCount   int       `json:"rowCount"`
	TraceID    string    `json:"traceId,omitempty"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AdvisoryRuleConfig defines an operator-supplied CEL rule.
type AdvisoryRuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Expression must evaluate to bool, int or double.
	Expression string `json:"expression"`
	MaxScore   int    `json:"maxScore"`
	Enabled    bool   `json:"enabled"`
}
