package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/serial"
)

// Allocate reserves count serials for key inside one transaction.
//
// PostgreSQL locks the counter row with SELECT ... FOR UPDATE under a
// transaction-local lock_timeout, so only allocations on the same key wait.
// SQLite has no row locks; its IMMEDIATE transactions serialize every writer
// on the database lock, bounded by busy_timeout.
func (r *SQLRepository) Allocate(ctx context.Context, key domain.SerialKey, count int64) (domain.SerialRange, error) {
	if err := serial.ValidateRequest(key, count); err != nil {
		return domain.SerialRange{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	var out domain.SerialRange
	err := r.inCounterTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = r.advanceCounter(ctx, tx, key, count)
		return err
	})
	if err != nil {
		return domain.SerialRange{}, r.mapAllocError(ctx, key, err)
	}
	return out, nil
}

// IssueBatch reserves count serials for key, inserts the batch built from
// them and moves its report from ISSUING to ISSUED. All three commit in one
// transaction; on any failure the counter, the batch table and the report
// are left as they were.
func (r *SQLRepository) IssueBatch(ctx context.Context, key domain.SerialKey, count int64, build func(domain.SerialRange) *domain.CreditBatch) (*domain.CreditBatch, error) {
	if err := serial.ValidateRequest(key, count); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	var batch *domain.CreditBatch
	err := r.inCounterTx(ctx, func(tx *sql.Tx) error {
		reserved, err := r.advanceCounter(ctx, tx, key, count)
		if err != nil {
			return err
		}

		batch = build(reserved)
		if err := r.insertBatch(ctx, tx, batch); err != nil {
			return err
		}

		update := `UPDATE reports SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
		res, err := tx.ExecContext(ctx, r.rebind(update),
			string(domain.ReportIssued), time.Now().UTC(), batch.ReportID, string(domain.ReportIssuing))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: report %s is not %s", domain.ErrStatusConflict, batch.ReportID, domain.ReportIssuing)
		}
		return nil
	})
	if err != nil {
		return nil, r.mapAllocError(ctx, key, err)
	}
	return batch, nil
}

// WithLockTimeout returns a view of the repository whose serial allocations
// wait at most d for the counter lock. It shares the connection pool.
func (r *SQLRepository) WithLockTimeout(d time.Duration) domain.SerialAllocator {
	if d <= 0 {
		return r
	}
	view := *r
	view.lockTimeout = d
	return &view
}

// advanceCounter locks key's counter and moves it past count serials.
func (r *SQLRepository) advanceCounter(ctx context.Context, tx *sql.Tx, key domain.SerialKey, count int64) (domain.SerialRange, error) {
	from, err := r.lockCounter(ctx, tx, key)
	if err != nil {
		return domain.SerialRange{}, err
	}

	to := from + count - 1
	update := `
		UPDATE serial_counters SET next_serial = ?, updated_at = ?
		WHERE vintage_year = ? AND project_id = ? AND company_id = ?
	`
	if _, err := tx.ExecContext(ctx, r.rebind(update),
		to+1, time.Now().UTC(), key.VintageYear, key.ProjectID, key.CompanyID,
	); err != nil {
		return domain.SerialRange{}, err
	}
	return domain.SerialRange{From: from, To: to}, nil
}

// NextSerial reads the key's counter without locking it.
func (r *SQLRepository) NextSerial(ctx context.Context, key domain.SerialKey) (int64, error) {
	if err := serial.ValidateKey(key); err != nil {
		return 0, err
	}

	query := `
		SELECT next_serial FROM serial_counters
		WHERE vintage_year = ? AND project_id = ? AND company_id = ?
	`

	var next int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), key.VintageYear, key.ProjectID, key.CompanyID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

// inCounterTx runs fn in a transaction and commits only if fn succeeds.
// The lock wait is bounded by r.lockTimeout on both drivers.
func (r *SQLRepository) inCounterTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if r.driver == "sqlite" {
		if _, err := conn.ExecContext(ctx, busyTimeoutPragma(r.lockTimeout)); err != nil {
			return err
		}
		defer conn.ExecContext(context.Background(), busyTimeoutPragma(r.busyTimeout))
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if r.driver == "postgres" {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func busyTimeoutPragma(d time.Duration) string {
	return fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds())
}

// lockCounter makes sure the counter row exists and returns its value with
// the row locked for the rest of the transaction.
func (r *SQLRepository) lockCounter(ctx context.Context, tx *sql.Tx, key domain.SerialKey) (int64, error) {
	insert := `
		INSERT INTO serial_counters (vintage_year, project_id, company_id, next_serial, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (vintage_year, project_id, company_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, r.rebind(insert),
		key.VintageYear, key.ProjectID, key.CompanyID, time.Now().UTC(),
	); err != nil {
		return 0, err
	}

	query := `
		SELECT next_serial FROM serial_counters
		WHERE vintage_year = ? AND project_id = ? AND company_id = ?
	`
	if r.driver == "postgres" {
		query += ` FOR UPDATE`
	}

	var next int64
	if err := tx.QueryRowContext(ctx, r.rebind(query),
		key.VintageYear, key.ProjectID, key.CompanyID,
	).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *SQLRepository) mapAllocError(ctx context.Context, key domain.SerialKey, err error) error {
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrAlreadyIssued) ||
		errors.Is(err, domain.ErrStatusConflict) {
		return err
	}
	if isLockError(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: key %d/%s/%s after %s", domain.ErrLockTimeout,
			key.VintageYear, key.ProjectID, key.CompanyID, r.lockTimeout)
	}
	return fmt.Errorf("allocate serials: %w", err)
}
