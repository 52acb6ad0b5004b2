package domain

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means a referenced report, project, company, analysis or batch does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is a precondition failure. Retrying never helps.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoCredits means the computed credit count is zero. Callers branch on
	// it; it is not a system failure.
	ErrNoCredits = errors.New("no credits to issue")

	// ErrLockTimeout means the serial counter lock was not acquired in time.
	// The counter is unchanged, so the whole issuance may be retried.
	ErrLockTimeout = errors.New("serial counter lock timeout")

	// ErrAllocationUnknown means an allocation request may or may not have
	// advanced the counter. Retrying could skip serials, so it is not retryable.
	ErrAllocationUnknown = errors.New("serial allocation outcome unknown")

	// ErrReportNotApproved is returned when issuance is requested for a
	// report the approval workflow has not approved.
	ErrReportNotApproved = errors.New("report not approved")

	// ErrAlreadyIssued is returned when a batch already exists for a report.
	ErrAlreadyIssued = errors.New("credits already issued for report")

	// ErrDuplicate is returned when a record with the same identity exists.
	ErrDuplicate = errors.New("record already exists")
)

// IsRetryable reports whether the caller should retry the whole operation.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAllocationUnknown) {
		return false
	}
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded)
}
