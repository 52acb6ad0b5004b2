package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CreditComputationResult is the output of the credit formula.
// CreditsCount == floor(TotalTCO2e) and 0 <= ResidualTCO2e < 1.
type CreditComputationResult struct {
	TotalTCO2e    decimal.Decimal `json:"totalTco2e"`
	CreditsCount  int64           `json:"creditsCount"`
	ResidualTCO2e decimal.Decimal `json:"residualTco2e"`

	GrossCO2Kg   decimal.Decimal `json:"grossCo2Kg"`
	GrossTonnes  decimal.Decimal `json:"grossTonnes"`
	Multiplier   decimal.Decimal `json:"multiplier"`
	FactorSource string          `json:"factorSource"` // "report", "project" or "fallback"
}

// SerialKey identifies one serial counter.
type SerialKey struct {
	VintageYear int    `json:"vintageYear"`
	ProjectID   string `json:"projectId"`
	CompanyID   string `json:"companyId"`
}

// SerialRange is an inclusive block of serials: To-From+1 == requested count.
type SerialRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Count returns the number of serials in the range.
func (r SerialRange) Count() int64 {
	return r.To - r.From + 1
}

// SerialAllocator reserves contiguous serial ranges per key. Implementations
// must serialize allocations on the same key and never block other keys.
type SerialAllocator interface {
	// Allocate reserves count serials starting at the key's next serial.
	// On failure the counter is left untouched.
	Allocate(ctx context.Context, key SerialKey, count int64) (SerialRange, error)

	// NextSerial returns the serial the next allocation would start at.
	NextSerial(ctx context.Context, key SerialKey) (int64, error)
}

// BatchIssuer is a SerialAllocator that commits the batch together with the
// counter advance. build turns the reserved range into the batch; the counter,
// the batch row and the report's ISSUING -> ISSUED move commit together or
// not at all.
type BatchIssuer interface {
	SerialAllocator
	IssueBatch(ctx context.Context, key SerialKey, count int64, build func(SerialRange) *CreditBatch) (*CreditBatch, error)
}

// BatchIdentity is what the orchestrator hands to the persistence layer.
type BatchIdentity struct {
	BatchCode     string          `json:"batchCode"`
	SerialPrefix  string          `json:"serialPrefix"`
	SerialFrom    int64           `json:"serialFrom"`
	SerialTo      int64           `json:"serialTo"`
	VintageYear   int             `json:"vintageYear"`
	CreditsCount  int64           `json:"creditsCount"`
	TotalTCO2e    decimal.Decimal `json:"totalTco2e"`
	ResidualTCO2e decimal.Decimal `json:"residualTco2e"`
}

// CreditBatch is the persisted form of an issued batch.
type CreditBatch struct {
	ID        string `json:"id"`
	ReportID  string `json:"reportId"`
	ProjectID string `json:"projectId"`
	CompanyID string `json:"companyId"`
	BatchIdentity
	IssuedAt time.Time `json:"issuedAt"`
}
