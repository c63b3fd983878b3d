// Package codec maps canonical domain errors onto the Anthropic error
// envelope used by JSON responses and the streaming "error" event.
package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

// ErrorResponse is a serialized error ready to write.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ToCanonicalError converts any error to a domain.APIError.
// If the error is already a domain.APIError, it returns it directly.
// Otherwise, it wraps the error in a generic server error.
func ToCanonicalError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return domain.ErrServer(err.Error())
}

// AnthropicError builds the Anthropic error envelope and HTTP status for err.
func AnthropicError(err error) (int, *anthropic.ErrorResponse) {
	apiErr := ToCanonicalError(err)
	msg := apiErr.Message
	if apiErr.Cause != nil {
		msg = msg + ": " + apiErr.Cause.Error()
	}
	return apiErr.HTTPStatusCode(), &anthropic.ErrorResponse{
		Type: "error",
		Error: &anthropic.APIError{
			Type:    mapDomainToAnthropicErrorType(apiErr.Type),
			Message: msg,
		},
	}
}

// AnthropicErrorFormatter formats errors for Anthropic API responses.
type AnthropicErrorFormatter struct{}

// FormatError formats a domain error as an Anthropic API error response.
func (f *AnthropicErrorFormatter) FormatError(err error) *ErrorResponse {
	status, env := AnthropicError(err)
	body, _ := json.Marshal(env)
	return &ErrorResponse{
		StatusCode: status,
		Body:       body,
	}
}

func mapDomainToAnthropicErrorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypePermission:
		return "permission_error"
	case domain.ErrorTypeNotFound:
		return "not_found_error"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypeOverloaded:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// WriteError writes err as an Anthropic JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	resp := (&AnthropicErrorFormatter{}).FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
