package repository

// Schema definitions for the carbonmint database.
// Compatible with both SQLite and PostgreSQL. Decimals are stored as TEXT so
// neither driver rounds them through a float.

const schemaCompanies = `
CREATE TABLE IF NOT EXISTS companies (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

const schemaProjects = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    company_id TEXT NOT NULL REFERENCES companies(id),
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    emission_factor TEXT,
    buffer_reserve_pct TEXT,
    uncertainty_pct TEXT,
    leakage_pct TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (company_id, code)
);
`

const schemaReports = `
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    company_id TEXT NOT NULL REFERENCES companies(id),
    project_id TEXT NOT NULL REFERENCES projects(id),
    period TEXT NOT NULL,
    status TEXT NOT NULL,
    total_co2_kg TEXT,
    total_energy_kwh TEXT,
    column_names TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_project ON reports(project_id, period);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);

CREATE TABLE IF NOT EXISTS report_details (
    report_id TEXT NOT NULL REFERENCES reports(id),
    line_no INTEGER NOT NULL,
    period TEXT NOT NULL,
    total_energy TEXT NOT NULL,
    license_plate TEXT NOT NULL,
    PRIMARY KEY (report_id, line_no)
);
`

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    report_id TEXT NOT NULL REFERENCES reports(id),
    rubric_version TEXT NOT NULL,
    data_quality_score INTEGER NOT NULL,
    data_quality_max INTEGER NOT NULL,
    fraud_risk_score INTEGER NOT NULL,
    fraud_risk_max INTEGER NOT NULL,
    rule_results TEXT NOT NULL,
    fraud_reasons TEXT NOT NULL,
    advisory_results TEXT,
    row_count INTEGER NOT NULL,
    trace_id TEXT,
    duration_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_report ON analyses(report_id, created_at);
`

const schemaCreditBatches = `
CREATE TABLE IF NOT EXISTS credit_batches (
    id TEXT PRIMARY KEY,
    report_id TEXT NOT NULL UNIQUE REFERENCES reports(id),
    project_id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    batch_code TEXT NOT NULL UNIQUE,
    serial_prefix TEXT NOT NULL,
    serial_from BIGINT NOT NULL,
    serial_to BIGINT NOT NULL,
    vintage_year INTEGER NOT NULL,
    credits_count BIGINT NOT NULL,
    total_tco2e TEXT NOT NULL,
    residual_tco2e TEXT NOT NULL,
    issued_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credit_batches_key ON credit_batches(vintage_year, project_id, company_id);
`

const schemaSerialCounters = `
CREATE TABLE IF NOT EXISTS serial_counters (
    vintage_year INTEGER NOT NULL,
    project_id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    next_serial BIGINT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (vintage_year, project_id, company_id)
);
`

const schemaAdvisoryRules = `
CREATE TABLE IF NOT EXISTS advisory_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    max_score INTEGER NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCompanies,
		schemaProjects,
		schemaReports,
		schemaAnalyses,
		schemaCreditBatches,
		schemaSerialCounters,
		schemaAdvisoryRules,
	}
}
