// Package domain provides canonical error types for the gateway.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePermission indicates a permission/authorization failure.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeOverloaded indicates the service is overloaded.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeUpstream indicates the backend failed or spoke an unexpected protocol.
	ErrorTypeUpstream ErrorType = "upstream"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey     ErrorCode = "invalid_api_key"

	// Credential lifecycle
	ErrorCodeAuthInitiationFailed     ErrorCode = "auth_initiation_failed"
	ErrorCodeAuthCheckFailed          ErrorCode = "auth_check_failed"
	ErrorCodeNoIdentityToken          ErrorCode = "no_identity_token"
	ErrorCodeCredentialExchangeFailed ErrorCode = "credential_exchange_failed"

	// Backend
	ErrorCodeBackendConnectFailed ErrorCode = "backend_connect_failed"
	ErrorCodeBackendProtocolError ErrorCode = "backend_protocol_error"

	// Request validation (owned by the frontdoor)
	ErrorCodeValidationRejected ErrorCode = "validation_rejected"
)

// APIError represents a canonical API error that can be returned by the core
// and translated to the client wire format by the frontdoor.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// Is matches another *APIError by code, so errors.Is(err, ErrNoIdentityToken())
// style checks work against freshly constructed values.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	case ErrorTypeServer:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause attaches the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrValidationRejected creates a request validation error.
func ErrValidationRejected(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message).
		WithCode(ErrorCodeValidationRejected)
}

// ErrAuthInitiationFailed is returned when the device flow could not obtain a
// verification challenge from the identity provider.
func ErrAuthInitiationFailed(cause error) *APIError {
	return NewAPIError(ErrorTypeUpstream, "device authorization could not be started").
		WithCode(ErrorCodeAuthInitiationFailed).
		WithCause(cause)
}

// ErrAuthCheckFailed is returned when the identity provider rejects a poll for a
// reason other than "still pending".
func ErrAuthCheckFailed(cause error) *APIError {
	return NewAPIError(ErrorTypeAuthentication, "device authorization check failed").
		WithCode(ErrorCodeAuthCheckFailed).
		WithCause(cause)
}

// ErrNoIdentityToken is returned when a credential is needed but no identity
// token has been obtained yet.
func ErrNoIdentityToken() *APIError {
	return NewAPIError(ErrorTypeAuthentication, "not authenticated: complete device authorization first").
		WithCode(ErrorCodeNoIdentityToken)
}

// ErrCredentialExchangeFailed is returned when the downstream token endpoint
// fails or rejects the identity token.
func ErrCredentialExchangeFailed(cause error) *APIError {
	return NewAPIError(ErrorTypeAuthentication, "backend credential exchange failed").
		WithCode(ErrorCodeCredentialExchangeFailed).
		WithCause(cause)
}

// ErrBackendConnectFailed is returned when the backend call could not be made
// or answered with a non-2xx status.
func ErrBackendConnectFailed(cause error) *APIError {
	return NewAPIError(ErrorTypeUpstream, "backend request failed").
		WithCode(ErrorCodeBackendConnectFailed).
		WithCause(cause)
}

// ErrBackendProtocol is returned when a backend payload does not decode into
// the expected shape.
func ErrBackendProtocol(cause error) *APIError {
	return NewAPIError(ErrorTypeUpstream, "malformed backend payload").
		WithCode(ErrorCodeBackendProtocolError).
		WithCause(cause)
}
