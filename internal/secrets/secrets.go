// Package secrets resolves sensitive configuration values.
//
// The daemon's database URL and operator token hash can live in a 1Password
// vault (production) or plain environment variables (development). The
// factory picks a backend automatically: 1Password when a Connect server is
// configured, environment otherwise.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Source resolves a named secret. Returns ("", nil) when the secret is not
// defined in the backend.
type Source interface {
	Get(ctx context.Context, name string) (string, error)
}

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "env", or "auto".
	// "auto" (default) uses 1Password if configured, otherwise environment.
	Backend string

	// 1Password Connect configuration.
	ConnectHost  string // OP_CONNECT_HOST
	ConnectToken string // OP_CONNECT_TOKEN
	VaultID      string // OP_VAULT_ID
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	backend := os.Getenv("FORTIFY_SECRETS_BACKEND")
	if backend == "" {
		backend = "auto"
	}
	return Config{
		Backend:      backend,
		ConnectHost:  os.Getenv("OP_CONNECT_HOST"),
		ConnectToken: os.Getenv("OP_CONNECT_TOKEN"),
		VaultID:      os.Getenv("OP_VAULT_ID"),
	}
}

// NewSource creates a secret source based on configuration.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordSource(cfg, logger)

	case "env":
		return EnvSource{}, nil

	case "auto":
		if cfg.ConnectHost != "" && cfg.ConnectToken != "" && cfg.VaultID != "" {
			src, err := NewOnePasswordSource(cfg, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to environment",
					"error", err)
				return EnvSource{}, nil
			}
			return src, nil
		}
		return EnvSource{}, nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

// EnvSource resolves secrets from FORTIFY_* environment variables. Secret
// names map to variables by uppercasing and prefixing: "database-url" →
// FORTIFY_DATABASE_URL.
type EnvSource struct{}

// Get looks up the environment variable for the secret name.
func (EnvSource) Get(ctx context.Context, name string) (string, error) {
	key := "FORTIFY_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return os.Getenv(key), nil
}
