// Package config loads gateway configuration from a YAML file and CGW_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: CGW_SERVER__PORT sets server.port.
const EnvPrefix = "CGW_"

// DefaultPath is read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Auth      AuthConfig      `koanf:"auth"`
	GitHub    GitHubConfig    `koanf:"github"`
	Copilot   CopilotConfig   `koanf:"copilot"`
	Storage   StorageConfig   `koanf:"storage"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int             `koanf:"port"`
	RequestTimeout  time.Duration   `koanf:"request_timeout"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig limits requests per session. Zero disables the limiter.
type RateLimitConfig struct {
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// AuthConfig lists the inbound client keys. No keys means the gateway is open.
type AuthConfig struct {
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type GitHubConfig struct {
	ClientID       string        `koanf:"client_id"`
	Scopes         []string      `koanf:"scopes"`
	DeviceCodeURL  string        `koanf:"device_code_url"`
	AccessTokenURL string        `koanf:"access_token_url"`
	Token          string        `koanf:"token"` // pre-seeded identity token
	HTTPTimeout    time.Duration `koanf:"http_timeout"`
}

type CopilotConfig struct {
	TokenURL         string        `koanf:"token_url"`
	CompletionsURL   string        `koanf:"completions_url"`
	EditorVersion    string        `koanf:"editor_version"`
	PluginVersion    string        `koanf:"plugin_version"`
	UserAgent        string        `koanf:"user_agent"`
	DefaultMaxTokens int           `koanf:"default_max_tokens"`
	Temperature      float64       `koanf:"temperature"`
	TopP             float64       `koanf:"top_p"`
	Models           []string      `koanf:"models"`
	HTTPTimeout      time.Duration `koanf:"http_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":                           8080,
	"server.request_timeout":                "5m",
	"server.shutdown_timeout":               "15s",
	"server.rate_limit.requests_per_minute": 0,
	"log.level":                             "info",
	"github.scopes":                         []string{"read:user"},
	"github.http_timeout":                   "30s",
	"copilot.default_max_tokens":            1024,
	"copilot.temperature":                   0.2,
	"copilot.top_p":                         1.0,
	"copilot.models":                        []string{"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-opus-20240229"},
	"storage.type":                          "memory",
	"storage.sqlite.path":                   "usage.db",
	"telemetry.service_name":                "copilot-messages-gateway",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then the environment. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	// Environment variables override the file
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.GitHub.Token = substituteEnvVars(cfg.GitHub.Token)
	cfg.GitHub.ClientID = substituteEnvVars(cfg.GitHub.ClientID)
	for i := range cfg.Auth.APIKeys {
		cfg.Auth.APIKeys[i].KeyHash = substituteEnvVars(cfg.Auth.APIKeys[i].KeyHash)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Type {
	case "memory", "none":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if c.Copilot.DefaultMaxTokens <= 0 {
		return fmt.Errorf("copilot.default_max_tokens must be positive, got %d", c.Copilot.DefaultMaxTokens)
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 {
		return errors.New("server.rate_limit.requests_per_minute must not be negative")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
