package repository

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/carbonmint/internal/domain"
)

// openPostgres opens a PostgreSQL database connection.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

// postgresDSN builds a lib/pq keyword/value connection string. Empty
// credentials are omitted so pq can fall back to PG* environment variables.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}

	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "carbonmint"
	}

	parts := []string{
		fmt.Sprintf("host=%s", host),
		fmt.Sprintf("port=%d", port),
		fmt.Sprintf("dbname=%s", dbname),
		fmt.Sprintf("sslmode=%s", getSSLMode(cfg.PostgresSSLMode)),
		"application_name=carbonmint",
	}
	if cfg.PostgresUser != "" {
		parts = append(parts, fmt.Sprintf("user=%s", cfg.PostgresUser))
	}
	if cfg.PostgresPassword != "" {
		parts = append(parts, fmt.Sprintf("password='%s'", dsnQuoter.Replace(cfg.PostgresPassword)))
	}
	return strings.Join(parts, " ")
}

var dsnQuoter = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func getSSLMode(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
