package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportStatus tracks a report through the external approval workflow.
type ReportStatus string

const (
	ReportPending  ReportStatus = "PENDING"
	ReportApproved ReportStatus = "APPROVED"
	ReportRejected ReportStatus = "REJECTED"

	// ReportIssuing marks a report whose issuance is in flight. It acts as a
	// claim so that two concurrent issuance calls cannot both allocate serials.
	ReportIssuing ReportStatus = "ISSUING"
	ReportIssued  ReportStatus = "ISSUED"
)

// ValidTransition reports whether the approval workflow may move a report
// from one status to another. ISSUING and ISSUED are reached only through
// issuance and are never valid targets here.
func ValidTransition(from, to ReportStatus) bool {
	switch from {
	case ReportPending:
		return to == ReportApproved || to == ReportRejected
	case ReportApproved:
		return to == ReportRejected
	case ReportRejected:
		return to == ReportPending
	default:
		return false
	}
}

// Company is a registered seller. Code is used in serial prefixes.
type Company struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Project carries the emission factor and the deduction percentages used by
// the credit formula. Percentages are fractions (0.05 means 5%).
type Project struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`
	Code      string `json:"code"`
	Name      string `json:"name"`

	EmissionFactorKgPerKWh decimal.NullDecimal `json:"emissionFactorKgPerKwh"`
	BufferReservePct       decimal.NullDecimal `json:"bufferReservePct"`
	UncertaintyPct         decimal.NullDecimal `json:"uncertaintyPct"`
	LeakagePct             decimal.NullDecimal `json:"leakagePct"`

	CreatedAt time.Time `json:"createdAt"`
}

// Report is a periodic emission/charging report submitted by a seller.
type Report struct {
	ID        string       `json:"id"`
	CompanyID string       `json:"companyId"`
	ProjectID string       `json:"projectId"`
	Period    string       `json:"period"` // YYYY-MM
	Status    ReportStatus `json:"status"`

	// Aggregates computed by the uploader. Either may be absent.
	TotalCO2Kg     decimal.NullDecimal `json:"totalCo2"`
	TotalEnergyKWh decimal.NullDecimal `json:"totalEnergy"`

	// Columns lists the header names present in the uploaded detail sheet.
	Columns []string `json:"columns"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReportDetail is one raw detail line as uploaded. Values are kept as text so
// that malformed cells reach the analysis rules instead of failing ingestion.
type ReportDetail struct {
	ReportID     string `json:"reportId,omitempty"`
	LineNo       int    `json:"lineNo"`
	Period       string `json:"period"`
	TotalEnergy  string `json:"totalEnergy"`
	LicensePlate string `json:"licensePlate"`
}

// Required detail columns.
const (
	ColumnPeriod       = "period"
	ColumnTotalEnergy  = "total_energy"
	ColumnLicensePlate = "license_plate"
)
