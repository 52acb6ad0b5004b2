package serial

import (
	"context"
	"errors"
	"time"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/metrics"
)

// instrumented wraps an allocator with allocation metrics.
type instrumented struct {
	backend string
	next    domain.SerialAllocator
}

// instrumentedIssuer keeps the transactional path of a wrapped BatchIssuer.
type instrumentedIssuer struct {
	*instrumented
	issuer domain.BatchIssuer
}

// Instrument records allocation count, outcome and latency for backend. The
// result is a domain.BatchIssuer whenever next is one.
func Instrument(backend string, next domain.SerialAllocator) domain.SerialAllocator {
	i := &instrumented{backend: backend, next: next}
	if issuer, ok := next.(domain.BatchIssuer); ok {
		return &instrumentedIssuer{instrumented: i, issuer: issuer}
	}
	return i
}

// Allocate delegates to the wrapped allocator.
func (i *instrumented) Allocate(ctx context.Context, key domain.SerialKey, count int64) (domain.SerialRange, error) {
	start := time.Now()
	r, err := i.next.Allocate(ctx, key, count)
	i.record(err, start)
	return r, err
}

// NextSerial delegates to the wrapped allocator.
func (i *instrumented) NextSerial(ctx context.Context, key domain.SerialKey) (int64, error) {
	return i.next.NextSerial(ctx, key)
}

func (i *instrumentedIssuer) IssueBatch(ctx context.Context, key domain.SerialKey, count int64, build func(domain.SerialRange) *domain.CreditBatch) (*domain.CreditBatch, error) {
	start := time.Now()
	b, err := i.issuer.IssueBatch(ctx, key, count, build)
	i.record(err, start)
	return b, err
}

func (i *instrumented) record(err error, start time.Time) {
	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrLockTimeout):
		outcome = "lock_timeout"
	case errors.Is(err, domain.ErrAllocationUnknown):
		outcome = "unknown"
	case err != nil:
		outcome = "error"
	}
	metrics.RecordAllocation(i.backend, outcome, time.Since(start))
}
