package anthropic

import (
	"log/slog"
	"net/http"

	"github.com/tjfontaine/copilot-messages-gateway/internal/credential"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
	"github.com/tjfontaine/copilot-messages-gateway/internal/server"
)

// AuthStatus is the body of /auth/status and /auth/poll.
type AuthStatus struct {
	Authenticated bool                     `json:"authenticated"`
	State         string                   `json:"state"`
	HasIdentity   bool                     `json:"has_identity"`
	ExpiresAt     int64                    `json:"expires_at,omitempty"`
	Verification  *credential.Verification `json:"verification,omitempty"`
}

func (h *Handler) status() AuthStatus {
	st := AuthStatus{
		Authenticated: h.creds.IsAuthenticated(),
		State:         h.creds.State().String(),
		HasIdentity:   h.creds.HasIdentity(),
		Verification:  h.creds.Verification(),
	}
	if c := h.creds.Current(); c != nil {
		st.ExpiresAt = c.ExpiresAt
	}
	return st
}

// HandleBeginDevice starts a device authorization and returns the user code.
func (h *Handler) HandleBeginDevice(w http.ResponseWriter, r *http.Request) {
	v, err := h.creds.BeginDeviceAuthorization(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "auth_state", h.creds.State().String())
	writeJSON(w, http.StatusOK, v)
}

// HandleGetDevice returns the pending verification, if any.
func (h *Handler) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	v := h.creds.Verification()
	if v == nil {
		h.writeError(w, r, domain.ErrNotFound("no device authorization in progress"))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// HandlePoll performs one check against the identity provider. Callers
// drive the cadence using the verification interval.
func (h *Handler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	ok, err := h.creds.Poll(r.Context())
	if err != nil {
		h.logger.Warn("device authorization poll failed", slog.String("error", err.Error()))
		h.writeError(w, r, err)
		return
	}
	st := h.status()
	st.Authenticated = ok
	server.AddLogField(r.Context(), "auth_state", st.State)
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.creds.Clear()
	writeJSON(w, http.StatusOK, h.status())
}
