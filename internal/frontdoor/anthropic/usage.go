package anthropic

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
	"github.com/tjfontaine/copilot-messages-gateway/internal/storage"
)

const defaultUsageLimit = 20

// UsageResponse is a session's counters plus its most recent calls.
type UsageResponse struct {
	domain.UsageSummary
	Recent []*domain.UsageRecord `json:"recent"`
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, r, domain.ErrNotFound("usage ledger is disabled"))
		return
	}
	id := chi.URLParam(r, "sessionID")
	if id == "" {
		h.writeError(w, r, domain.ErrValidationRejected("session id is required"))
		return
	}

	limit := defaultUsageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, domain.ErrValidationRejected("limit must be a non-negative integer").WithParam("limit"))
			return
		}
		limit = n
	}

	sum, err := h.store.SessionSummary(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	recent, err := h.store.ListUsage(r.Context(), id, storage.ListOptions{Limit: limit})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{UsageSummary: *sum, Recent: recent})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports ready once an identity token is held, since no
// Messages call can succeed before that.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !h.creds.HasIdentity() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unauthenticated",
			"state":  h.creds.State().String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"state":  h.creds.State().String(),
	})
}
