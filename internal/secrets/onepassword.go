package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
)

// OnePasswordSource resolves secrets from a 1Password vault via the Connect
// API. Secret names are item titles; the item's "credential" (or first
// concealed) field carries the value.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding fortify secrets
type OnePasswordSource struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	// Cache to avoid repeated API calls
	mu    sync.RWMutex
	cache map[string]string
}

// NewOnePasswordSource creates a 1Password-backed secret source.
func NewOnePasswordSource(cfg Config, logger *slog.Logger) (*OnePasswordSource, error) {
	if cfg.ConnectHost == "" || cfg.ConnectToken == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.ConnectHost, cfg.ConnectToken, "fortifyd")

	return &OnePasswordSource{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

// Get resolves a secret by item title. Returns ("", nil) when no item with
// that title exists in the vault.
func (s *OnePasswordSource) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	items, err := s.client.GetItemsByTitle(name, s.vaultID)
	if err != nil {
		return "", fmt.Errorf("listing 1Password items: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}
	if len(items) > 1 {
		s.logger.Warn("multiple 1Password items share a title, using the first",
			"title", name, "count", len(items))
	}

	item, err := s.client.GetItem(items[0].ID, s.vaultID)
	if err != nil {
		return "", fmt.Errorf("fetching 1Password item: %w", err)
	}

	value := ""
	for _, field := range item.Fields {
		if field.Label == "credential" {
			value = field.Value
			break
		}
		if value == "" && field.Type == "CONCEALED" {
			value = field.Value
		}
	}
	if value == "" {
		return "", fmt.Errorf("1Password item %q has no credential field", name)
	}

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}
