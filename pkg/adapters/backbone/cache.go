package backbone

import (
	"context"
	"sync"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

type cacheEntry struct {
	text    string
	expires time.Time
}

// MemoryCache is an in-process GenerationCache with a fixed TTL.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewMemoryCache creates a cache; ttl <= 0 defaults to one hour.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context, prompt string, cfg domain.SamplingConfig) (string, bool, error) {
	key := ports.GenerationKey(prompt, cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.text, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, prompt string, cfg domain.SamplingConfig, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ports.GenerationKey(prompt, cfg)] = cacheEntry{text: text, expires: c.now().Add(c.ttl)}
	return nil
}
