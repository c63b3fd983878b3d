package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/copilot-messages-gateway/internal/auth"
	"github.com/tjfontaine/copilot-messages-gateway/internal/codec"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

type clientContextKey struct{}

// AuthMiddleware rejects requests without a configured API key. A nil or
// empty authenticator leaves the gateway open.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authenticator == nil || authenticator.Len() == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				AddError(r.Context(), err)
				codec.WriteError(w, domain.ErrAuthentication(err.Error()).WithCode(domain.ErrorCodeInvalidAPIKey))
				return
			}

			client, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				AddError(r.Context(), err)
				codec.WriteError(w, domain.ErrAuthentication("invalid API key").WithCode(domain.ErrorCodeInvalidAPIKey))
				return
			}

			AddLogField(r.Context(), "client", client.Description)
			ctx := context.WithValue(r.Context(), clientContextKey{}, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClient returns the authenticated client, or nil.
func GetClient(ctx context.Context) *auth.Client {
	if c, ok := ctx.Value(clientContextKey{}).(*auth.Client); ok {
		return c
	}
	return nil
}
