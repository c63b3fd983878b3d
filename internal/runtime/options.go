package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/copilot-messages-gateway/internal/config"
	"github.com/tjfontaine/copilot-messages-gateway/internal/storage"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig loads configuration from a YAML file, overlaid with CGW_
// environment variables.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return errors.New("config must not be nil")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithHTTPClient sets the client used for every outbound call, to GitHub and
// to the completions backend alike.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = c
		return nil
	}
}

// WithUsageStore injects a usage store in place of the configured one. A nil
// store disables the usage ledger. The gateway closes the store on Shutdown.
func WithUsageStore(store storage.UsageStore) Option {
	return func(g *Gateway) error {
		g.store = store
		g.storeSet = true
		return nil
	}
}
