// Package cache provides a Redis-backed read cache for certifications.
//
// Certification validity is checked on hot authorization paths all over the
// platform; the cache keeps those checks off the database. Entries carry a
// short TTL and are refreshed on issue, so a just-issued certification is
// visible immediately.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valifi/fortify/pkg/types"
)

const (
	keyPrefix = "fortify:cert:"

	// DefaultTTL bounds staleness when an issue-time refresh is missed.
	DefaultTTL = 60 * time.Second
)

// Cache provides Redis-backed certification caching.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Redis-backed certification cache. A zero ttl selects
// DefaultTTL.
func New(redisURL string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Cache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// GetCertification returns the cached certification for an agent type. The
// second return is false on a miss.
func (c *Cache) GetCertification(ctx context.Context, agentType string) (*types.Certification, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+agentType).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var cert types.Certification
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, false, fmt.Errorf("decoding cached certification: %w", err)
	}
	return &cert, true, nil
}

// SetCertification caches a certification with the configured TTL.
func (c *Cache) SetCertification(ctx context.Context, cert *types.Certification) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+cert.AgentType, data, c.ttl).Err()
}

// Invalidate removes the cached certification for an agent type.
func (c *Cache) Invalidate(ctx context.Context, agentType string) error {
	return c.client.Del(ctx, keyPrefix+agentType).Err()
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
