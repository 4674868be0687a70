// Package config loads the gateway's environment configuration.
// Defaults are provided via envdecode struct tags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full configuration surface of the gateway.
type Config struct {
	// IdPBaseURL is the identity provider origin. ENV: AUTH_IDP_BASE_URL
	IdPBaseURL string `env:"AUTH_IDP_BASE_URL"`
	// Realm names the provider realm. ENV: AUTH_IDP_REALM
	Realm string `env:"AUTH_IDP_REALM"`
	// ClientID identifies this gateway at the provider. ENV: AUTH_CLIENT_ID
	ClientID string `env:"AUTH_CLIENT_ID"`
	// ClientSecret is empty for public clients. ENV: AUTH_CLIENT_SECRET
	ClientSecret string `env:"AUTH_CLIENT_SECRET,default="`

	// Audience is the expected aud claim; defaults to ClientID.
	// ENV: AUTH_AUDIENCE
	Audience string `env:"AUTH_AUDIENCE,default="`
	// Issuer overrides the derived {base}/realms/{realm} issuer.
	// ENV: AUTH_ISSUER
	Issuer string `env:"AUTH_ISSUER,default="`

	// JWKSCacheTTL bounds how long fetched signing keys are trusted.
	// ENV: AUTH_JWKS_TTL
	JWKSCacheTTL time.Duration `env:"AUTH_JWKS_TTL,default=5m"`
	// HTTPTimeout bounds each outbound identity provider call.
	// ENV: AUTH_HTTP_TIMEOUT
	HTTPTimeout time.Duration `env:"AUTH_HTTP_TIMEOUT,default=10s"`

	// DevFallback enables the local development credential fallback.
	// Off unless explicitly opted in; never enable it where the
	// identity provider is the sole source of truth.
	// ENV: AUTH_DEV_FALLBACK
	DevFallback bool `env:"AUTH_DEV_FALLBACK,default=false"`
	// DevUsername / DevPassword configure the fallback account when no
	// accounts file is used. ENV: AUTH_DEV_USERNAME / AUTH_DEV_PASSWORD
	DevUsername string `env:"AUTH_DEV_USERNAME,default=admin"`
	DevPassword string `env:"AUTH_DEV_PASSWORD,default="`
	// DevAccountsFile points at a watched JSON accounts file; overrides
	// the single env account. ENV: AUTH_DEV_ACCOUNTS_FILE
	DevAccountsFile string `env:"AUTH_DEV_ACCOUNTS_FILE,default="`

	// LoginRateLimit / LoginRateWindow throttle login attempts.
	// ENV: AUTH_LOGIN_RATE_LIMIT / AUTH_LOGIN_RATE_WINDOW
	LoginRateLimit  int           `env:"AUTH_LOGIN_RATE_LIMIT,default=10"`
	LoginRateWindow time.Duration `env:"AUTH_LOGIN_RATE_WINDOW,default=1m"`
	// RedisAddr switches the rate limiter to the Redis backend when
	// set. ENV: AUTH_REDIS_ADDR
	RedisAddr string `env:"AUTH_REDIS_ADDR,default="`

	// LogLevel is one of debug, info, warn, error. ENV: AUTH_LOG_LEVEL
	LogLevel string `env:"AUTH_LOG_LEVEL,default=info"`
}

// Load populates a Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and fills derived defaults.
func (c *Config) Validate() error {
	if c.IdPBaseURL == "" {
		return errors.New("config: AUTH_IDP_BASE_URL is required")
	}
	if c.Realm == "" {
		return errors.New("config: AUTH_IDP_REALM is required")
	}
	if c.ClientID == "" {
		return errors.New("config: AUTH_CLIENT_ID is required")
	}
	if c.Audience == "" {
		c.Audience = c.ClientID
	}
	if c.DevFallback && c.DevAccountsFile == "" && c.DevPassword == "" {
		return errors.New("config: AUTH_DEV_FALLBACK requires AUTH_DEV_PASSWORD or AUTH_DEV_ACCOUNTS_FILE")
	}
	return nil
}

// IssuerURL returns the configured issuer, deriving the Keycloak realm
// URL when no override is set.
func (c *Config) IssuerURL() string {
	if c.Issuer != "" {
		return c.Issuer
	}
	return fmt.Sprintf("%s/realms/%s", strings.TrimSuffix(c.IdPBaseURL, "/"), c.Realm)
}

// SlogLevel maps the configured level name onto slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
