// Package config loads environment-based configuration for gqlsession.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the client.
type Config struct {
	// GraphQLURL pins the backend endpoint directly. When empty,
	// DISCOVERY_URL must be set and the endpoint is discovered by the
	// one-time handshake on first use.
	GraphQLURL string `env:"GRAPHQL_URL"`

	// DiscoveryURL is the handshake endpoint that returns the
	// GraphQL endpoint and API key for this subscriber.
	DiscoveryURL string `env:"DISCOVERY_URL"`

	// APIKey authenticates public (pre-login) calls.
	APIKey string `env:"API_KEY"`

	// SubscriberKey is attached to every request.
	SubscriberKey string `env:"SUBSCRIBER_KEY"`

	// RequestTimeout bounds each outbound HTTP call.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// StatePath is the bolt database holding the persisted session.
	// Defaults to ~/.gqlsession/state.db when empty.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
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

	return cfg, nil
}

// validate checks cross-field constraints after parsing.
func (c *Config) validate() error {
	if c.GraphQLURL == "" && c.DiscoveryURL == "" {
		return fmt.Errorf("either GRAPHQL_URL or DISCOVERY_URL is required")
	}

	if c.SubscriberKey == "" {
		return fmt.Errorf("SUBSCRIBER_KEY is required")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	return nil
}

// DefaultStatePath returns the default session database location:
// ~/.gqlsession/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".gqlsession", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
