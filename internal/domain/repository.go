// Package domain defines the core interfaces and types for carbonmint.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrStatusConflict is returned by TransitionReportStatus when the report is
// not in the expected source status.
var ErrStatusConflict = errors.New("report status conflict")

// Repository defines the interface for data persistence.
// The credit pipeline itself never calls it; the API, worker and issuance
// service materialize entities through it.
type Repository interface {
	// Companies and projects
	SaveCompany(ctx context.Context, c *Company) error
	GetCompany(ctx context.Context, id string) (*Company, error)
	SaveProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)

	// Reports and their raw detail lines
	SaveReport(ctx context.Context, r *Report, details []ReportDetail) error
	GetReport(ctx context.Context, id string) (*Report, error)
	GetReportDetails(ctx context.Context, reportID string) ([]ReportDetail, error)

	// TransitionReportStatus moves a report from one status to another
	// atomically. Returns ErrStatusConflict if the current status is not from.
	TransitionReportStatus(ctx context.Context, id string, from, to ReportStatus) error

	// Analysis results
	SaveAnalysis(ctx context.Context, a *AnalysisResult) error
	GetAnalysis(ctx context.Context, id string) (*AnalysisResult, error)
	ListAnalyses(ctx context.Context, reportID string) ([]*AnalysisResult, error)

	// Credit batches
	SaveBatch(ctx context.Context, b *CreditBatch) error
	GetBatch(ctx context.Context, id string) (*CreditBatch, error)
	GetBatchByReport(ctx context.Context, reportID string) (*CreditBatch, error)

	// Advisory rule configuration
	SaveAdvisoryRule(ctx context.Context, rule *AdvisoryRuleConfig) error
	ListAdvisoryRules(ctx context.Context) ([]*AdvisoryRuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgresHost"`
	PostgresPort     int    `mapstructure:"postgresPort"`
	PostgresUser     string `mapstructure:"postgresUser"`
	PostgresPassword string `mapstructure:"postgresPassword"`
	PostgresDB       string `mapstructure:"postgresDB"`
	PostgresSSLMode  string `mapstructure:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`

	// LockTimeout bounds the wait for a serial counter row lock.
	LockTimeout time.Duration `mapstructure:"lockTimeout"`
}
