// Package server hosts the gateway's HTTP surface on chi.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/copilot-messages-gateway/internal/auth"
)

// Options configures the server.
type Options struct {
	Port           int
	RequestTimeout time.Duration
	Authenticator  *auth.Authenticator
	RateLimiter    *RateLimiter
	// ServiceName names the otelhttp server spans.
	ServiceName string
}

type Server struct {
	// Router carries the request-scoped middleware shared by every route.
	Router *chi.Mux
	// API is Router plus client authentication, rate limiting and the
	// request timeout.
	API    chi.Router
	Port   int
	logger *slog.Logger
	http   *http.Server
}

func New(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.ServiceName
	if name == "" {
		name = "copilot-messages-gateway"
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, name)
	})

	api := r.With(
		AuthMiddleware(opts.Authenticator),
		RateLimitMiddleware(opts.RateLimiter),
		TimeoutMiddleware(opts.RequestTimeout),
	)

	return &Server{
		Router: r,
		API:    api,
		Port:   opts.Port,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.http.Shutdown(ctx)
}
