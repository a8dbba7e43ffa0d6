package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a cached completion lives.
const DefaultCacheTTL = time.Hour

// GenerationCache implements ports.GenerationCache.
type GenerationCache struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// NewGenerationCache creates a cache with the given TTL (DefaultCacheTTL when zero).
func NewGenerationCache(client *backend.Client, ttl time.Duration) *GenerationCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &GenerationCache{client: client, prefix: DefaultPrefix + "gen:", ttl: ttl}
}

func (c *GenerationCache) Get(ctx context.Context, prompt string, cfg domain.SamplingConfig) (string, bool, error) {
	text, err := c.client.Get(ctx, c.prefix+ports.GenerationKey(prompt, cfg)).Result()
	if errors.Is(err, backend.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("generation cache get: %w", err)
	}
	return text, true, nil
}

func (c *GenerationCache) Set(ctx context.Context, prompt string, cfg domain.SamplingConfig, text string) error {
	return c.client.Set(ctx, c.prefix+ports.GenerationKey(prompt, cfg), text, c.ttl).Err()
}
