// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the full server configuration. Every knob has an environment
// variable so deployments configure the binary without flags; the CLI
// layers a few overrides on top.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `env:"GATEHOUSE_LISTEN_ADDR" envDefault:":8466"`

	// MasterKey is the hex-encoded 32-byte key securing sealed secrets at
	// rest. Required.
	MasterKey string `env:"GATEHOUSE_MASTER_KEY"`

	// DBPath is the bbolt database file. Empty selects the in-memory
	// backend, which loses all sessions on restart.
	DBPath string `env:"GATEHOUSE_DB_PATH"`

	// RedisAddr enables the shared Redis rate-limit backend. Empty keeps
	// limits process-local.
	RedisAddr     string `env:"GATEHOUSE_REDIS_ADDR"`
	RedisPassword string `env:"GATEHOUSE_REDIS_PASSWORD"`

	// Identity provider settings.
	ProviderIssuer       string `env:"GATEHOUSE_PROVIDER_ISSUER"`
	ProviderBaseURL      string `env:"GATEHOUSE_PROVIDER_BASE_URL"`
	ProviderClientID     string `env:"GATEHOUSE_PROVIDER_CLIENT_ID"`
	ProviderClientSecret string `env:"GATEHOUSE_PROVIDER_CLIENT_SECRET"`
	ProviderRedirectURI  string `env:"GATEHOUSE_PROVIDER_REDIRECT_URI"`

	// Cookie settings. Secure defaults on; only disable for local HTTP
	// development.
	CookieDomain string `env:"GATEHOUSE_COOKIE_DOMAIN"`
	CookieSecure bool   `env:"GATEHOUSE_COOKIE_SECURE" envDefault:"true"`

	// TrustedProxies lists CIDR ranges whose forwarding headers are
	// honored when resolving the client IP.
	TrustedProxies []string `env:"GATEHOUSE_TRUSTED_PROXIES" envSeparator:","`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"GATEHOUSE_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields the server cannot run without.
func (c Config) Validate() error {
	if c.MasterKey == "" {
		return errors.New("GATEHOUSE_MASTER_KEY is required")
	}
	if c.ProviderClientID == "" {
		return errors.New("GATEHOUSE_PROVIDER_CLIENT_ID is required")
	}
	if c.ProviderBaseURL == "" && c.ProviderIssuer == "" {
		return errors.New("one of GATEHOUSE_PROVIDER_BASE_URL or GATEHOUSE_PROVIDER_ISSUER is required")
	}
	if c.ProviderRedirectURI == "" {
		return errors.New("GATEHOUSE_PROVIDER_REDIRECT_URI is required")
	}
	return nil
}
