package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for oidc-session.
type Config struct {
	// Base URL of the backend API that proxies the identity provider.
	BackendURL string `env:"BACKEND_URL" envDefault:"http://localhost:8000/api/v1"`

	// Origin the application is served from. The callback listener binds
	// to its host and the provider redirects to <origin>/auth/callback.
	AppOrigin string `env:"APP_ORIGIN" envDefault:"http://localhost:8085"`

	// When set, provider configuration is discovered from the issuer
	// instead of fetched from the backend auth-config endpoint.
	OIDCIssuer   string `env:"OIDC_ISSUER"`
	OIDCClientID string `env:"OIDC_CLIENT_ID"`

	// Path of the token database. Defaults to ~/.oidc-session/state.db.
	StatePath string `env:"STATE_PATH"`

	// Timeout applied by the HTTP transport to every backend call.
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	cfg.AppOrigin = strings.TrimRight(cfg.AppOrigin, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if err := requireAbsoluteURL("BACKEND_URL", c.BackendURL); err != nil {
		return err
	}

	if err := requireAbsoluteURL("APP_ORIGIN", c.AppOrigin); err != nil {
		return err
	}

	// An origin is scheme://host[:port] only. A path would end up in the
	// redirect_uri and break the callback contract.
	u, _ := url.Parse(c.AppOrigin)
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("APP_ORIGIN must not contain a path, query or fragment")
	}

	if c.OIDCIssuer != "" {
		if err := requireAbsoluteURL("OIDC_ISSUER", c.OIDCIssuer); err != nil {
			return err
		}

		if c.OIDCClientID == "" {
			return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER is set")
		}
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	return nil
}

func requireAbsoluteURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", name)
	}

	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}

	return nil
}

// DefaultStatePath returns the default token database location:
// ~/.oidc-session/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".oidc-session", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// UseDiscovery reports whether provider configuration comes from OIDC
// discovery rather than the backend.
func (c *Config) UseDiscovery() bool {
	return c.OIDCIssuer != ""
}

// ListenAddr returns the host:port the callback listener binds to,
// derived from AppOrigin. A missing port falls back to the scheme default.
func (c *Config) ListenAddr() string {
	u, err := url.Parse(c.AppOrigin)
	if err != nil {
		return ""
	}

	if u.Port() != "" {
		return u.Host
	}

	if u.Scheme == "https" {
		return u.Hostname() + ":443"
	}

	return u.Hostname() + ":80"
}
