// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// defaultLockTimeout applies when the configuration leaves LockTimeout unset.
const defaultLockTimeout = 5 * time.Second

// SQLRepository implements domain.Repository and domain.SerialAllocator using
// database/sql. Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db          *sql.DB
	driver      string
	lockTimeout time.Duration
	busyTimeout time.Duration // SQLite busy_timeout set when the pool was opened
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:          db,
		driver:      cfg.Driver,
		lockTimeout: lockTimeout(cfg),
		busyTimeout: lockTimeout(cfg),
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func lockTimeout(cfg domain.RepositoryConfig) time.Duration {
	if cfg.LockTimeout <= 0 {
		return defaultLockTimeout
	}
	return cfg.LockTimeout
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveCompany stores a new company. Codes are unique.
func (r *SQLRepository) SaveCompany(ctx context.Context, c *domain.Company) error {
	if c == nil || c.ID == "" || strings.TrimSpace(c.Code) == "" {
		return fmt.Errorf("%w: company id and code are required", domain.ErrInvalidInput)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO companies (id, code, name, created_at) VALUES (?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query), c.ID, c.Code, c.Name, c.CreatedAt)
	return mapWriteError(err, "company "+c.ID)
}

// GetCompany retrieves a company by ID.
func (r *SQLRepository) GetCompany(ctx context.Context, id string) (*domain.Company, error) {
	query := `SELECT id, code, name, created_at FROM companies WHERE id = ?`

	var c domain.Company
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&c.ID, &c.Code, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: company %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveProject stores a new project. The owning company must exist.
func (r *SQLRepository) SaveProject(ctx context.Context, p *domain.Project) error {
	if p == nil || p.ID == "" || p.CompanyID == "" || strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("%w: project id, company id and code are required", domain.ErrInvalidInput)
	}
	if _, err := r.GetCompany(ctx, p.CompanyID); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO projects (
			id, company_id, code, name,
			emission_factor, buffer_reserve_pct, uncertainty_pct, leakage_pct,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, p.CompanyID, p.Code, p.Name,
		p.EmissionFactorKgPerKWh, p.BufferReservePct, p.UncertaintyPct, p.LeakagePct,
		p.CreatedAt,
	)
	return mapWriteError(err, "project "+p.ID)
}

// GetProject retrieves a project by ID.
func (r *SQLRepository) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	query := `
		SELECT id, company_id, code, name,
			   emission_factor, buffer_reserve_pct, uncertainty_pct, leakage_pct,
			   created_at
		FROM projects
		WHERE id = ?
	`

	var p domain.Project
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&p.ID, &p.CompanyID, &p.Code, &p.Name,
		&p.EmissionFactorKgPerKWh, &p.BufferReservePct, &p.UncertaintyPct, &p.LeakagePct,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveReport stores a report together with its raw detail lines in one
// transaction.
func (r *SQLRepository) SaveReport(ctx context.Context, rep *domain.Report, details []domain.ReportDetail) error {
	if rep == nil || rep.ID == "" || rep.ProjectID == "" || rep.CompanyID == "" {
		return fmt.Errorf("%w: report id, project id and company id are required", domain.ErrInvalidInput)
	}

	project, err := r.GetProject(ctx, rep.ProjectID)
	if err != nil {
		return err
	}
	if project.CompanyID != rep.CompanyID {
		return fmt.Errorf("%w: project %s does not belong to company %s", domain.ErrInvalidInput, project.ID, rep.CompanyID)
	}

	now := time.Now().UTC()
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = now
	}
	rep.UpdatedAt = now
	if rep.Status == "" {
		rep.Status = domain.ReportPending
	}

	columns, _ := json.Marshal(rep.Columns)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO reports (
			id, company_id, project_id, period, status,
			total_co2_kg, total_energy_kwh, column_names, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, r.rebind(query),
		rep.ID, rep.CompanyID, rep.ProjectID, rep.Period, string(rep.Status),
		rep.TotalCO2Kg, rep.TotalEnergyKWh, string(columns), rep.CreatedAt, rep.UpdatedAt,
	); err != nil {
		return mapWriteError(err, "report "+rep.ID)
	}

	detailQuery := r.rebind(`
		INSERT INTO report_details (report_id, line_no, period, total_energy, license_plate)
		VALUES (?, ?, ?, ?, ?)
	`)
	stmt, err := tx.PrepareContext(ctx, detailQuery)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, d := range details {
		lineNo := d.LineNo
		if lineNo == 0 {
			lineNo = i + 1
		}
		if _, err := stmt.ExecContext(ctx, rep.ID, lineNo, d.Period, d.TotalEnergy, d.LicensePlate); err != nil {
			return mapWriteError(err, fmt.Sprintf("report %s line %d", rep.ID, lineNo))
		}
	}

	return tx.Commit()
}

const reportColumns = `
	id, company_id, project_id, period, status,
	total_co2_kg, total_energy_kwh, column_names, created_at, updated_at
`

// GetReport retrieves a report by ID.
func (r *SQLRepository) GetReport(ctx context.Context, id string) (*domain.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id = ?`

	var rep domain.Report
	var status, columns string

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&rep.ID, &rep.CompanyID, &rep.ProjectID, &rep.Period, &status,
		&rep.TotalCO2Kg, &rep.TotalEnergyKWh, &columns, &rep.CreatedAt, &rep.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: report %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rep.Status = domain.ReportStatus(status)
	if columns != "" {
		json.Unmarshal([]byte(columns), &rep.Columns)
	}
	return &rep, nil
}

// GetReportDetails returns the detail lines of a report in line order.
func (r *SQLRepository) GetReportDetails(ctx context.Context, reportID string) ([]domain.ReportDetail, error) {
	query := `
		SELECT report_id, line_no, period, total_energy, license_plate
		FROM report_details
		WHERE report_id = ?
		ORDER BY line_no
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []domain.ReportDetail
	for rows.Next() {
		var d domain.ReportDetail
		if err := rows.Scan(&d.ReportID, &d.LineNo, &d.Period, &d.TotalEnergy, &d.LicensePlate); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// TransitionReportStatus moves a report from one status to another with a
// single conditional UPDATE.
func (r *SQLRepository) TransitionReportStatus(ctx context.Context, id string, from, to domain.ReportStatus) error {
	query := `UPDATE reports SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	if _, err := r.GetReport(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: report %s is not %s", domain.ErrStatusConflict, id, from)
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// Driver error codes used for classification.
const (
	pqUniqueViolation  = "23505"
	pqLockNotAvailable = "55P03"
	pqQueryCanceled    = "57014"
)

// mapWriteError turns a unique-constraint violation into domain.ErrDuplicate.
func mapWriteError(err error, what string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, what)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// isLockError reports whether err means a row or database lock was not
// acquired in time.
func isLockError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqLockNotAvailable || string(pqErr.Code) == pqQueryCanceled
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
