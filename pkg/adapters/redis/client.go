package redis

import (
	"context"
	"fmt"

	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the adapters.
const DefaultPrefix = "espalier:"

// Config selects the Redis server.
type Config struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// Enabled reports whether a server address is configured.
func (c Config) Enabled() bool {
	return c.Addr != ""
}

// Connect opens a client and verifies it answers PING.
func Connect(ctx context.Context, cfg Config) (*backend.Client, error) {
	client := backend.NewClient(&backend.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
