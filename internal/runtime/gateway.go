// Package runtime provides the core Gateway struct and lifecycle management
// for the Messages gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/copilot-messages-gateway/internal/api/copilot"
	"github.com/tjfontaine/copilot-messages-gateway/internal/api/github"
	"github.com/tjfontaine/copilot-messages-gateway/internal/auth"
	codecanthropic "github.com/tjfontaine/copilot-messages-gateway/internal/codec/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/config"
	"github.com/tjfontaine/copilot-messages-gateway/internal/credential"
	frontdoor "github.com/tjfontaine/copilot-messages-gateway/internal/frontdoor/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/server"
	"github.com/tjfontaine/copilot-messages-gateway/internal/storage"
	"github.com/tjfontaine/copilot-messages-gateway/internal/translate"
)

// Gateway is the main entry point for running the gateway.
// It wires configuration, the credential manager, the translation core and
// the HTTP server, and owns their lifecycle. Gateway can be embedded in
// larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	cfg        *config.Config
	logger     *slog.Logger
	httpClient *http.Client
	store      storage.UsageStore
	storeSet   bool

	// Assembled components
	creds      *credential.Manager
	translator *translate.Translator
	handler    *frontdoor.Handler
	server     *server.Server

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a new Gateway with the given options. Without WithConfig or
// WithFileConfig the built-in defaults and CGW_ environment are used.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.cfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		gw.cfg = cfg
	}

	if !gw.storeSet {
		store, err := openStore(gw.cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		gw.store = store
	}

	gw.assemble()
	return gw, nil
}

func (g *Gateway) assemble() {
	cfg := g.cfg

	githubHTTP := g.httpClient
	if githubHTTP == nil {
		githubHTTP = instrumentedClient(cfg.GitHub.HTTPTimeout)
	}
	// Streams can outlive any fixed client timeout; the request context bounds
	// completion calls instead.
	copilotHTTP := g.httpClient
	if copilotHTTP == nil {
		copilotHTTP = instrumentedClient(0)
	}

	backend := copilot.NewClient(
		copilot.WithTokenURL(cfg.Copilot.TokenURL),
		copilot.WithCompletionsURL(cfg.Copilot.CompletionsURL),
		copilot.WithEditorHeaders(cfg.Copilot.EditorVersion, cfg.Copilot.PluginVersion, cfg.Copilot.UserAgent),
		copilot.WithHTTPClient(copilotHTTP),
	)

	flow := github.NewDeviceFlow(cfg.GitHub.ClientID, cfg.GitHub.Scopes,
		github.WithHTTPClient(githubHTTP),
		github.WithEndpoints(cfg.GitHub.DeviceCodeURL, cfg.GitHub.AccessTokenURL),
	)

	exchanger := credential.TokenExchangerFunc(func(ctx context.Context, identityToken string) (*credential.Credential, error) {
		resp, err := backend.ExchangeToken(ctx, identityToken)
		if err != nil {
			return nil, err
		}
		return &credential.Credential{Value: resp.Token, ExpiresAt: resp.ExpiresAt}, nil
	})

	g.creds = credential.NewManager(flow, exchanger,
		credential.WithLogger(g.logger.With(slog.String("component", "credential"))),
		credential.WithIdentityToken(cfg.GitHub.Token),
	)

	g.translator = translate.New(backend, g.creds,
		translate.WithDefaults(codecanthropic.RequestDefaults{
			MaxTokens:   cfg.Copilot.DefaultMaxTokens,
			Temperature: float32(cfg.Copilot.Temperature),
			TopP:        float32(cfg.Copilot.TopP),
		}),
		translate.WithLogger(g.logger.With(slog.String("component", "translate"))),
	)

	handlerOpts := []frontdoor.Option{
		frontdoor.WithLogger(g.logger),
		frontdoor.WithModels(cfg.Copilot.Models),
	}
	if g.store != nil {
		handlerOpts = append(handlerOpts, frontdoor.WithUsageStore(g.store))
	}
	g.handler = frontdoor.NewHandler(g.translator, g.creds, handlerOpts...)

	var limiter *server.RateLimiter
	if rpm := cfg.Server.RateLimit.RequestsPerMinute; rpm > 0 {
		limiter = server.NewRateLimiter(rpm, time.Minute)
	}

	clients := make([]auth.Client, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		clients = append(clients, auth.Client{KeyHash: k.KeyHash, Description: k.Description})
	}
	authenticator := auth.NewAuthenticator(clients)
	if authenticator.Len() == 0 {
		g.logger.Info("no api keys configured, inbound authentication disabled")
	}

	g.server = server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Authenticator:  authenticator,
		RateLimiter:    limiter,
		ServiceName:    cfg.Telemetry.ServiceName,
	}, g.logger)
	g.handler.Mount(g.server.Router, g.server.API)
}

// Start listens on the configured port and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := g.begin(ctx); err != nil {
		ln.Close()
		return err
	}

	go func() {
		if err := g.server.Serve(ln); err != nil {
			g.logger.Error("server stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	if err := g.begin(ctx); err != nil {
		return err
	}
	return g.server.Serve(ln)
}

func (g *Gateway) begin(ctx context.Context) error {
	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return errors.New("gateway is shut down")
	case g.started:
		g.mu.Unlock()
		return errors.New("gateway already started")
	}
	g.started = true
	g.mu.Unlock()

	g.logger.Info("gateway started",
		slog.Int("port", g.cfg.Server.Port),
		slog.String("credential_state", g.creds.State().String()),
		slog.String("storage", g.cfg.Storage.Type))

	// A seeded identity token is exchanged eagerly so the first call does not
	// pay for it. Failure is not fatal: calls retry the exchange.
	if g.creds.HasIdentity() {
		if _, err := g.creds.Refresh(ctx); err != nil {
			g.logger.Warn("initial credential exchange failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// Handler returns the root HTTP handler, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.server.Router
}

// Credentials returns the credential manager.
func (g *Gateway) Credentials() *credential.Manager {
	return g.creds
}

// Config returns the effective configuration.
func (g *Gateway) Config() *config.Config {
	return g.cfg
}

// instrumentedClient traces outbound calls with otelhttp.
func instrumentedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}
