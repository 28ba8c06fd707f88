// Package config decodes the gateway's process configuration from the
// environment.
//
// Per-scheme upstream secrets (API_KEY_<S>, OAUTH_CLIENT_ID_<S>, ...) have
// dynamic names and are not part of Config; the security package reads them
// through its own lookup function.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full process configuration. Defaults are provided via
// struct tags.
type Config struct {
	// ListenAddr like ":8080". ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// MCPPath is the endpoint path. ENV: MCP_PATH
	MCPPath string `env:"MCP_PATH,default=/mcp"`
	// PublicURL is the externally visible endpoint URL, used as the resource
	// identifier and default audience. Derived from ListenAddr and MCPPath
	// when empty. ENV: PUBLIC_URL
	PublicURL string `env:"PUBLIC_URL"`

	ServerName         string `env:"SERVER_NAME,default=mcp-rest-gateway"`
	ServerVersion      string `env:"SERVER_VERSION,default=dev"`
	ServerInstructions string `env:"SERVER_INSTRUCTIONS"`

	CatalogPath     string        `env:"CATALOG_PATH,required"`
	APIBaseURL      string        `env:"API_BASE_URL,required"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT,default=30s"`

	CredentialHeader   string        `env:"CALLER_CREDENTIAL_HEADER,default=X-API-Token"`
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT"`

	// TokenCache is "memory" or "redis". ENV: TOKEN_CACHE
	TokenCache          string `env:"TOKEN_CACHE,default=memory"`
	TokenCacheSize      int    `env:"TOKEN_CACHE_SIZE,default=1024"`
	RedisAddr           string `env:"REDIS_ADDR,default=localhost:6379"`
	TokenCacheKeyPrefix string `env:"TOKEN_CACHE_KEY_PREFIX,default=mcp-rest-gateway:"`

	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	LogFormat   string `env:"LOG_FORMAT,default=json"`

	// Inbound verification is enabled when AuthIssuer is set. AuthJWKSURL
	// skips discovery.
	AuthIssuer         string `env:"AUTH_ISSUER"`
	AuthAudience       string `env:"AUTH_AUDIENCE"`
	AuthRequiredScopes string `env:"AUTH_REQUIRED_SCOPES"`
	AuthJWKSURL        string `env:"AUTH_JWKS_URL"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// Load decodes and validates the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envdecode cannot.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.MCPPath, "/") {
		errs = append(errs, fmt.Errorf("MCP_PATH must start with '/', got %q", c.MCPPath))
	}
	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL))
	}
	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("PUBLIC_URL must be an http(s) URL, got %q", c.PublicURL))
		}
	}
	switch c.TokenCache {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("TOKEN_CACHE must be memory or redis, got %q", c.TokenCache))
	}
	if c.TokenCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_CACHE_SIZE must be positive, got %d", c.TokenCacheSize))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %s", c.UpstreamTimeout))
	}
	if c.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TIMEOUT must not be negative, got %s", c.SessionIdleTimeout))
	}
	if c.AuthIssuer == "" && (c.AuthJWKSURL != "" || c.AuthRequiredScopes != "") {
		errs = append(errs, errors.New("AUTH_JWKS_URL and AUTH_REQUIRED_SCOPES require AUTH_ISSUER"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed LOG_LEVEL.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.LogLevel))
	return lvl
}

// Endpoint returns the public MCP endpoint URL.
func (c *Config) Endpoint() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	host, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return "http://localhost" + c.MCPPath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + c.MCPPath
}

// Audience returns the expected audience of caller tokens: AUTH_AUDIENCE, or
// the public endpoint.
func (c *Config) Audience() string {
	if c.AuthAudience != "" {
		return c.AuthAudience
	}
	return c.Endpoint()
}

// RequiredScopes splits AUTH_REQUIRED_SCOPES on spaces and commas.
func (c *Config) RequiredScopes() []string {
	return strings.FieldsFunc(c.AuthRequiredScopes, func(r rune) bool { return r == ' ' || r == ',' })
}

// AuthEnabled reports whether caller credentials are verified.
func (c *Config) AuthEnabled() bool { return c.AuthIssuer != "" }
