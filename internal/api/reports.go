package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/rowset"
	"github.com/shopspring/decimal"
)

// CreateReportRequest is the request body for POST /reports. Detail values
// are raw cell text; malformed cells are scored by the analysis, not rejected.
type CreateReportRequest struct {
	ID          string                `json:"id,omitempty"`
	CompanyID   string                `json:"companyId"`
	ProjectID   string                `json:"projectId"`
	Period      string                `json:"period"`
	TotalCO2    decimal.NullDecimal   `json:"totalCo2"`
	TotalEnergy decimal.NullDecimal   `json:"totalEnergy"`
	Columns     []string              `json:"columns"`
	Details     []domain.ReportDetail `json:"details"`
}

// CreateReport handles POST /reports. The report is stored PENDING and a
// report.submitted event queues it for background analysis.
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.CompanyID == "" || req.ProjectID == "" {
		writeError(w, r, fmt.Errorf("%w: companyId and projectId are required", domain.ErrInvalidInput))
		return
	}
	if !rowset.ValidPeriod(req.Period) {
		writeError(w, r, fmt.Errorf("%w: period must be YYYY-MM, got %q", domain.ErrInvalidInput, req.Period))
		return
	}
	for _, total := range []decimal.NullDecimal{req.TotalCO2, req.TotalEnergy} {
		if total.Valid && total.Decimal.IsNegative() {
			writeError(w, r, fmt.Errorf("%w: report totals must not be negative", domain.ErrInvalidInput))
			return
		}
	}

	report := &domain.Report{
		ID:             req.ID,
		CompanyID:      req.CompanyID,
		ProjectID:      req.ProjectID,
		Period:         req.Period,
		Status:         domain.ReportPending,
		TotalCO2Kg:     req.TotalCO2,
		TotalEnergyKWh: req.TotalEnergy,
		Columns:        req.Columns,
	}
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if report.Columns == nil {
		report.Columns = []string{}
	}

	if err := h.repo.SaveReport(ctx, report, req.Details); err != nil {
		writeError(w, r, err)
		return
	}

	if h.bus != nil {
		payload, _ := json.Marshal(domain.ReportSubmittedEvent{ReportID: report.ID, TraceID: GetTraceID(ctx)})
		if err := h.bus.Publish(ctx, domain.TopicReportSubmitted, payload); err != nil {
			slog.Error("failed to publish report submitted",
				"report_id", report.ID,
				"error", err,
			)
		}
	}

	slog.Info("report submitted",
		"report_id", report.ID,
		"project_id", report.ProjectID,
		"period", report.Period,
		"lines", len(req.Details),
	)
	writeJSON(w, http.StatusCreated, report)
}

// GetReport handles GET /reports/{id}.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.repo.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// StatusRequest is the request body for PUT /reports/{id}/status.
type StatusRequest struct {
	Status domain.ReportStatus `json:"status"`
	Reason string              `json:"reason,omitempty"`
}

// UpdateReportStatus handles PUT /reports/{id}/status, the approval step.
func (h *Handler) UpdateReportStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.repo.GetReport(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !domain.ValidTransition(report.Status, req.Status) {
		writeError(w, r, fmt.Errorf("%w: cannot move report from %s to %q", domain.ErrStatusConflict, report.Status, req.Status))
		return
	}

	if err := h.repo.TransitionReportStatus(ctx, id, report.Status, req.Status); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("report status changed",
		"report_id", id,
		"from", report.Status,
		"to", req.Status,
		"reason", req.Reason,
	)

	updated, err := h.repo.GetReport(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// AnalyzeReport handles POST /reports/{id}/analysis. The analysis runs
// synchronously and is persisted before it is returned.
func (h *Handler) AnalyzeReport(w http.ResponseWriter, r *http.Request) {
	result, err := h.analyzer.Run(r.Context(), chi.URLParam(r, "id"), "api")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListAnalyses handles GET /reports/{id}/analyses, newest first.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.repo.GetReport(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}

	analyses, err := h.repo.ListAnalyses(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if analyses == nil {
		analyses = []*domain.AnalysisResult{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": analyses,
		"count":    len(analyses),
	})
}

// GetAnalysis handles GET /analyses/{id}.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	result, err := h.repo.GetAnalysis(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
