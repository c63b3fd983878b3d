package anthropic

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Route defines an HTTP route registration.
type Route struct {
	Path    string
	Method  string
	Handler http.HandlerFunc
	// Public routes skip client authentication and rate limiting.
	Public bool
}

// Routes lists every endpoint the handler serves.
func (h *Handler) Routes() []Route {
	return []Route{
		{Path: "/v1/messages", Method: http.MethodPost, Handler: h.HandleMessages},
		{Path: "/v1/messages/count_tokens", Method: http.MethodPost, Handler: h.HandleCountTokens},
		{Path: "/v1/models", Method: http.MethodGet, Handler: h.HandleListModels},
		{Path: "/auth/device", Method: http.MethodPost, Handler: h.HandleBeginDevice},
		{Path: "/auth/device", Method: http.MethodGet, Handler: h.HandleGetDevice},
		{Path: "/auth/poll", Method: http.MethodPost, Handler: h.HandlePoll},
		{Path: "/auth/status", Method: http.MethodGet, Handler: h.HandleStatus},
		{Path: "/auth/logout", Method: http.MethodPost, Handler: h.HandleLogout},
		{Path: "/usage/{sessionID}", Method: http.MethodGet, Handler: h.HandleUsage},
		{Path: "/healthz", Method: http.MethodGet, Handler: h.HandleHealth, Public: true},
		{Path: "/readyz", Method: http.MethodGet, Handler: h.HandleReady, Public: true},
	}
}

// Mount registers the routes: public ones on public, the rest on api.
func (h *Handler) Mount(public, api chi.Router) {
	for _, route := range h.Routes() {
		target := api
		if route.Public {
			target = public
		}
		target.Method(route.Method, route.Path, route.Handler)
	}
}
