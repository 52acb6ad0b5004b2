package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/rules"
	"github.com/shopspring/decimal"
)

// maxBodyBytes bounds request bodies; report uploads carry every detail line.
const maxBodyBytes = 32 << 20

// ReportAnalyzer runs and persists an analysis for a stored report.
type ReportAnalyzer interface {
	Run(ctx context.Context, reportID, source string) (*domain.AnalysisResult, error)
}

// CreditIssuer issues credits for an approved report.
type CreditIssuer interface {
	Issue(ctx context.Context, reportID string) (*domain.CreditBatch, error)
}

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	bus      domain.EventBus
	engine   *rules.Engine
	analyzer ReportAnalyzer
	issuer   CreditIssuer
	version  string

	readyChecks map[string]Pinger
}

// NewHandler creates a new API handler. bus may be nil.
func NewHandler(repo domain.Repository, bus domain.EventBus, engine *rules.Engine, analyzer ReportAnalyzer, issuer CreditIssuer, version string) *Handler {
	return &Handler{
		repo:     repo,
		bus:      bus,
		engine:   engine,
		analyzer: analyzer,
		issuer:   issuer,
		version:  version,

		readyChecks: map[string]Pinger{},
	}
}

// WithReadyCheck adds a dependency that /ready and /health must reach.
func (h *Handler) WithReadyCheck(name string, p Pinger) *Handler {
	h.readyChecks[name] = p
	return h
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if err := h.repo.Ping(r.Context()); err != nil {
		status = "degraded"
		checks["repository"] = err.Error()
	} else {
		checks["repository"] = "ok"
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["eventBus"] = err.Error()
		} else {
			checks["eventBus"] = "ok"
		}
	}

	for name, p := range h.readyChecks {
		if err := p.Ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
		} else {
			checks[name] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the repository and every added check are reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "failed": "repository"})
		return
	}
	for name, p := range h.readyChecks {
		if err := p.Ping(r.Context()); err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "failed": name})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// CreateCompany handles POST /companies.
func (h *Handler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	var company domain.Company
	if !decodeJSON(w, r, &company) {
		return
	}

	company.Code = strings.TrimSpace(company.Code)
	if company.Code == "" {
		writeError(w, r, fmt.Errorf("%w: code is required", domain.ErrInvalidInput))
		return
	}
	if company.ID == "" {
		company.ID = uuid.New().String()
	}

	if err := h.repo.SaveCompany(r.Context(), &company); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("company created", "company_id", company.ID, "code", company.Code)
	writeJSON(w, http.StatusCreated, company)
}

// GetCompany handles GET /companies/{id}.
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	company, err := h.repo.GetCompany(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, company)
}

// CreateProject handles POST /projects.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var project domain.Project
	if !decodeJSON(w, r, &project) {
		return
	}

	project.Code = strings.TrimSpace(project.Code)
	if err := validateProject(&project); err != nil {
		writeError(w, r, err)
		return
	}
	if project.ID == "" {
		project.ID = uuid.New().String()
	}

	if err := h.repo.SaveProject(r.Context(), &project); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("project created", "project_id", project.ID, "company_id", project.CompanyID, "code", project.Code)
	writeJSON(w, http.StatusCreated, project)
}

func validateProject(p *domain.Project) error {
	if p.CompanyID == "" || p.Code == "" {
		return fmt.Errorf("%w: companyId and code are required", domain.ErrInvalidInput)
	}
	if p.EmissionFactorKgPerKWh.Valid && p.EmissionFactorKgPerKWh.Decimal.IsNegative() {
		return fmt.Errorf("%w: emission factor must not be negative", domain.ErrInvalidInput)
	}

	one := decimal.NewFromInt(1)
	pcts := []struct {
		name  string
		value decimal.NullDecimal
	}{
		{"bufferReservePct", p.BufferReservePct},
		{"uncertaintyPct", p.UncertaintyPct},
		{"leakagePct", p.LeakagePct},
	}
	for _, pct := range pcts {
		if pct.value.Valid && (pct.value.Decimal.IsNegative() || pct.value.Decimal.GreaterThan(one)) {
			return fmt.Errorf("%w: %s must be between 0 and 1", domain.ErrInvalidInput, pct.name)
		}
	}
	return nil
}

// GetProject handles GET /projects/{id}.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.repo.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	TraceID string `json:"traceId,omitempty"`
}

// writeError maps domain errors onto HTTP statuses. Unclassified errors are
// logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()

	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case status >= 500:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		msg = "internal server error"
	}

	writeJSON(w, status, errorResponse{Error: msg, Code: code, TraceID: GetTraceID(r.Context())})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrNoCredits):
		return http.StatusUnprocessableEntity, "no_credits"
	case errors.Is(err, domain.ErrAlreadyIssued):
		return http.StatusConflict, "already_issued"
	case errors.Is(err, domain.ErrReportNotApproved):
		return http.StatusConflict, "not_approved"
	case errors.Is(err, domain.ErrStatusConflict):
		return http.StatusConflict, "status_conflict"
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable, "retry"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeJSON reads the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid JSON request body: " + err.Error(),
			Code:  "invalid_input",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
