package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/opensource-finance/carbonmint/internal/domain"
)

// ListAdvisoryRules handles GET /advisory-rules. Stored rules are listed
// alongside the number currently loaded into the engine.
func (h *Handler) ListAdvisoryRules(w http.ResponseWriter, r *http.Request) {
	stored, err := h.repo.ListAdvisoryRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stored == nil {
		stored = []*domain.AdvisoryRuleConfig{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  stored,
		"count":  len(stored),
		"loaded": len(h.engine.AdvisoryRules()),
	})
}

// CreateAdvisoryRule handles POST /advisory-rules. The expression must
// compile before the rule is stored; it takes effect on the next reload.
func (h *Handler) CreateAdvisoryRule(w http.ResponseWriter, r *http.Request) {
	var cfg domain.AdvisoryRuleConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	cfg.ID = strings.TrimSpace(cfg.ID)

	if err := h.engine.ValidateAdvisoryRule(&cfg); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.repo.SaveAdvisoryRule(r.Context(), &cfg); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("advisory rule saved",
		"rule_id", cfg.ID,
		"version", cfg.Version,
		"enabled", cfg.Enabled,
	)
	writeJSON(w, http.StatusCreated, cfg)
}

// ReloadAdvisoryRules handles POST /advisory-rules/reload.
func (h *Handler) ReloadAdvisoryRules(w http.ResponseWriter, r *http.Request) {
	stored, err := h.repo.ListAdvisoryRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.engine.ReloadAdvisoryRules(stored); err != nil {
		writeError(w, r, err)
		return
	}

	loaded := len(h.engine.AdvisoryRules())
	slog.Info("advisory rules reloaded", "stored", len(stored), "loaded", loaded)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "reloaded",
		"loaded": loaded,
	})
}
