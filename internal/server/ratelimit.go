package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tjfontaine/copilot-messages-gateway/internal/codec"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

// SessionHeader carries the client's session identifier.
const SessionHeader = "X-Session-ID"

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo contains normalized rate limit information written as
// x-ratelimit-* response headers.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     string
}

// SetRateLimits stores rate limit info in context for the middleware to write as headers.
func SetRateLimits(ctx context.Context, rl *RateLimitInfo) context.Context {
	return context.WithValue(ctx, rateLimitContextKey{}, rl)
}

// GetRateLimits retrieves rate limit info from context.
// Returns nil if no rate limits are set.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if rl, ok := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo); ok {
		return rl
	}
	return nil
}

// RateLimitNormalizingMiddleware writes the x-ratelimit-* headers for the
// info stored in the request context before the first byte goes out.
func RateLimitNormalizingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &rateLimitResponseWriter{
			ResponseWriter: w,
			request:        r,
		}
		next.ServeHTTP(wrapped, r)
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	request      *http.Request
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		writeRateLimitHeaders(rw.Header(), GetRateLimits(rw.request.Context()))
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		writeRateLimitHeaders(rw.Header(), GetRateLimits(rw.request.Context()))
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeRateLimitHeaders(h http.Header, rl *RateLimitInfo) {
	if rl == nil || rl.RequestsLimit <= 0 {
		return
	}
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
	// 0 is a valid remaining value
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	if rl.RequestsReset != "" {
		h.Set("x-ratelimit-reset-requests", rl.RequestsReset)
	}
}

// RateLimiter is a fixed-window request counter per key.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter allows limit requests per window for each key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*rateWindow),
	}
}

// Allow counts one request for key.
func (l *RateLimiter) Allow(key string) (*RateLimitInfo, bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.evict(now)
		w = &rateWindow{start: now}
		l.windows[key] = w
	}

	info := &RateLimitInfo{
		RequestsLimit: l.limit,
		RequestsReset: w.start.Add(l.window).UTC().Format(time.RFC3339),
	}
	if w.count >= l.limit {
		return info, false
	}
	w.count++
	info.RequestsRemaining = l.limit - w.count
	return info, true
}

// evict drops expired windows. Called with mu held.
func (l *RateLimiter) evict(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, k)
		}
	}
}

// SessionKey identifies the caller for rate limiting: the session header,
// then the authenticated client, then the remote host.
func SessionKey(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return "session:" + id
	}
	if c := GetClient(r.Context()); c != nil {
		return "client:" + c.KeyHash
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// RateLimitMiddleware rejects callers over their limit with a
// rate_limit_error. A nil limiter disables it.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		headers := RateLimitNormalizingMiddleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := limiter.Allow(SessionKey(r))
			if !ok {
				writeRateLimitHeaders(w.Header(), info)
				w.Header().Set("Retry-After", retryAfter(info, limiter.now()))
				AddLogField(r.Context(), "rate_limited", "true")
				codec.WriteError(w, domain.ErrRateLimit(fmt.Sprintf("rate limit of %d requests exceeded", info.RequestsLimit)))
				return
			}
			headers.ServeHTTP(w, r.WithContext(SetRateLimits(r.Context(), info)))
		})
	}
}

func retryAfter(info *RateLimitInfo, now time.Time) string {
	reset, err := time.Parse(time.RFC3339, info.RequestsReset)
	if err != nil {
		return "1"
	}
	secs := int(reset.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
