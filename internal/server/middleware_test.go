package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/copilot-messages-gateway/internal/auth"
)

// setupRateLimitsMiddleware creates a middleware that sets rate limits in context
// before the rate limit normalizing middleware runs
func setupRateLimitsMiddleware(info *RateLimitInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := SetRateLimits(r.Context(), info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, name, want string) {
	t.Helper()
	if got := rec.Header().Get(name); got != want {
		t.Errorf("expected %s=%q, got %q", name, want, got)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// =============================================================================
// Rate limit tests
// =============================================================================

func TestRateLimitNormalizingMiddleware(t *testing.T) {
	info := &RateLimitInfo{
		RequestsLimit:     100,
		RequestsRemaining: 0,
		RequestsReset:     "2024-01-01T00:00:00Z",
	}

	wrapped := setupRateLimitsMiddleware(info)(RateLimitNormalizingMiddleware(okHandler()))

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	checkHeader(t, rec, "x-ratelimit-limit-requests", "100")
	checkHeader(t, rec, "x-ratelimit-remaining-requests", "0")
	checkHeader(t, rec, "x-ratelimit-reset-requests", "2024-01-01T00:00:00Z")
}

func TestRateLimitNormalizingMiddleware_NoRateLimits(t *testing.T) {
	wrapped := RateLimitNormalizingMiddleware(okHandler())

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	for _, h := range []string{"x-ratelimit-limit-requests", "x-ratelimit-remaining-requests", "x-ratelimit-reset-requests"} {
		if rec.Header().Get(h) != "" {
			t.Errorf("expected no %s header, got %q", h, rec.Header().Get(h))
		}
	}
}

func TestGetRateLimits(t *testing.T) {
	if GetRateLimits(context.Background()) != nil {
		t.Error("expected nil without rate limits")
	}
	info := &RateLimitInfo{RequestsLimit: 5}
	if got := GetRateLimits(SetRateLimits(context.Background(), info)); got != info {
		t.Errorf("expected %v, got %v", info, got)
	}
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	for i, wantRemaining := range []int{1, 0} {
		info, ok := l.Allow("a")
		if !ok {
			t.Fatalf("request %d: expected allowed", i)
		}
		if info.RequestsRemaining != wantRemaining {
			t.Errorf("request %d: expected %d remaining, got %d", i, wantRemaining, info.RequestsRemaining)
		}
	}

	if _, ok := l.Allow("a"); ok {
		t.Error("expected third request in window to be rejected")
	}
	if _, ok := l.Allow("b"); !ok {
		t.Error("expected other key to have its own window")
	}

	now = now.Add(time.Minute)
	if info, ok := l.Allow("a"); !ok || info.RequestsRemaining != 1 {
		t.Errorf("expected fresh window after reset, got ok=%v info=%+v", ok, info)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)
	wrapped := RateLimitMiddleware(l)(okHandler())

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/messages", nil)
		req.Header.Set(SessionHeader, "sess-1")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	checkHeader(t, first, "x-ratelimit-limit-requests", "1")
	checkHeader(t, first, "x-ratelimit-remaining-requests", "0")

	second := send()
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var body struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body: %v", err)
	}
	if body.Type != "error" || body.Error.Type != "rate_limit_error" {
		t.Errorf("expected rate_limit_error envelope, got %s", second.Body.String())
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	wrapped := RateLimitMiddleware(nil)(okHandler())
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("x-ratelimit-limit-requests") != "" {
		t.Errorf("expected pass-through, got %d %v", rec.Code, rec.Header())
	}
}

func TestSessionKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := SessionKey(r); got != "addr:10.0.0.1" {
		t.Errorf("expected addr:10.0.0.1, got %s", got)
	}

	ctx := context.WithValue(r.Context(), clientContextKey{}, &auth.Client{KeyHash: "h"})
	r = r.WithContext(ctx)
	if got := SessionKey(r); got != "client:h" {
		t.Errorf("expected client:h, got %s", got)
	}

	r.Header.Set(SessionHeader, "abc")
	if got := SessionKey(r); got != "session:abc" {
		t.Errorf("expected session:abc, got %s", got)
	}
}

// =============================================================================
// RequestIDMiddleware Tests
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("Expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	RequestIDMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}

func TestRequestIDMiddleware_UniqueIDs(t *testing.T) {
	wrapped := RequestIDMiddleware(okHandler())

	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, httptest.NewRequest("GET", "/", nil))
	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, httptest.NewRequest("GET", "/", nil))

	id1 := rec1.Header().Get("X-Request-ID")
	id2 := rec2.Header().Get("X-Request-ID")
	if id1 == id2 {
		t.Errorf("Expected unique request IDs, got same: %s", id1)
	}
}

func TestRequestIDMiddleware_ReusesClientID(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	rec := httptest.NewRecorder()
	RequestIDMiddleware(okHandler()).ServeHTTP(rec, req)

	checkHeader(t, rec, "X-Request-ID", "client-supplied")
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("Expected empty string, got %q", id)
	}
}

// =============================================================================
// TimeoutMiddleware Tests
// =============================================================================

func TestTimeoutMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("Expected context to have deadline")
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	TimeoutMiddleware(30*time.Second)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestTimeoutMiddleware_ContextCancelled(t *testing.T) {
	contextCancelled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			contextCancelled = true
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})

	TimeoutMiddleware(10*time.Millisecond)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !contextCancelled {
		t.Error("Expected context to be cancelled due to timeout")
	}
}

func TestTimeoutMiddleware_Disabled(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("Expected no deadline when disabled")
		}
	})
	TimeoutMiddleware(0)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func newAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator([]auth.Client{
		{KeyHash: auth.HashAPIKey("valid-key-123"), Description: "test client"},
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{"bearer key", map[string]string{"Authorization": "Bearer valid-key-123"}, http.StatusOK},
		{"x-api-key", map[string]string{"x-api-key": "valid-key-123"}, http.StatusOK},
		{"invalid key", map[string]string{"x-api-key": "wrong"}, http.StatusUnauthorized},
		{"missing key", nil, http.StatusUnauthorized},
		{"without bearer prefix", map[string]string{"Authorization": "valid-key-123"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if c := GetClient(r.Context()); c == nil || c.Description != "test client" {
					t.Errorf("expected client in context, got %v", c)
				}
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/v1/messages", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(newAuthenticator())(handler).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), "authentication_error") {
				t.Errorf("expected authentication_error envelope, got %s", rec.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_NoKeysConfigured(t *testing.T) {
	rec := httptest.NewRecorder()
	AuthMiddleware(auth.NewAuthenticator(nil))(okHandler()).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected open gateway, got %d", rec.Code)
	}
}

func TestGetClient_NotSet(t *testing.T) {
	if c := GetClient(context.Background()); c != nil {
		t.Errorf("Expected nil, got %v", c)
	}
}

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func newTestLogger(buf *strings.Builder) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	wrapped := RequestIDMiddleware(LoggingMiddleware(newTestLogger(&buf))(testHandler))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test-path", nil))

	output := buf.String()
	if !strings.Contains(output, "request started") {
		t.Error("Expected 'request started' in log output")
	}
	if !strings.Contains(output, "request completed") {
		t.Error("Expected 'request completed' in log output")
	}
	if !strings.Contains(output, "/test-path") || !strings.Contains(output, "bytes=2") {
		t.Errorf("Expected path and byte count in log output, got: %s", output)
	}
}

func TestLoggingMiddleware_ErrorLevel(t *testing.T) {
	var buf strings.Builder
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	LoggingMiddleware(newTestLogger(&buf))(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("Expected 5xx to be logged at error level, got: %s", buf.String())
	}
}

func TestAddLogField(t *testing.T) {
	var buf strings.Builder
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "custom_field", "custom_value")
		AddLogField(r.Context(), "empty_field", "")
		w.WriteHeader(http.StatusOK)
	})

	LoggingMiddleware(newTestLogger(&buf))(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	output := buf.String()
	if !strings.Contains(output, "custom_field=custom_value") {
		t.Errorf("Expected custom field in log output, got: %s", output)
	}
	if strings.Contains(output, "empty_field") {
		t.Errorf("Empty field should not be in log output, got: %s", output)
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	// Should be a no-op without the middleware
	AddLogField(context.Background(), "key", "value")
	AddError(context.Background(), nil)
}

func TestAddError(t *testing.T) {
	var buf strings.Builder
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), errors.New("test error message"))
		w.WriteHeader(http.StatusInternalServerError)
	})

	LoggingMiddleware(newTestLogger(&buf))(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), "test error message") {
		t.Errorf("Expected error in log output, got: %s", buf.String())
	}
}
