package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/serial"
)

const (
	defaultSerialPage = 100
	maxSerialPage     = 1000
)

// IssueCredits handles POST /reports/{id}/issuance.
func (h *Handler) IssueCredits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	batch, err := h.issuer.Issue(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("credits issued via api",
		"report_id", id,
		"batch_code", batch.BatchCode,
		"credits", batch.CreditsCount,
	)
	writeJSON(w, http.StatusCreated, batch)
}

// GetReportBatch handles GET /reports/{id}/batch.
func (h *Handler) GetReportBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.repo.GetBatchByReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// GetBatch handles GET /batches/{id}.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.repo.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// ListBatchSerials handles GET /batches/{id}/serials?offset=&limit=.
// Serials are rendered from the batch range, never stored one by one.
func (h *Handler) ListBatchSerials(w http.ResponseWriter, r *http.Request) {
	batch, err := h.repo.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultSerialPage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if limit <= 0 || limit > maxSerialPage {
		limit = maxSerialPage
	}

	serials := []string{}
	if offset < batch.CreditsCount {
		if remaining := batch.CreditsCount - offset; limit > remaining {
			limit = remaining
		}
		from := batch.SerialFrom + offset
		serials = serial.Serials(batch.SerialPrefix, domain.SerialRange{From: from, To: from + limit - 1})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"batchCode": batch.BatchCode,
		"total":     batch.CreditsCount,
		"offset":    offset,
		"serials":   serials,
	})
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidInput, name)
	}
	return n, nil
}
