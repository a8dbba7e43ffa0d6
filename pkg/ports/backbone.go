package ports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
)

// Backbone is the external text-generation capability.
type Backbone interface {
	// Generate streams the completion for prompt. The channel is closed when
	// generation ends; a chunk with a non-nil Err aborts the stream.
	Generate(ctx context.Context, prompt string, cfg domain.SamplingConfig) (<-chan domain.Chunk, error)

	// Ping is the liveness check performed once before accepting runs.
	Ping(ctx context.Context) error
}

// GenerationCache stores completions for deterministic prompts.
type GenerationCache interface {
	// Get returns the cached completion and whether it was found.
	Get(ctx context.Context, prompt string, cfg domain.SamplingConfig) (string, bool, error)
	Set(ctx context.Context, prompt string, cfg domain.SamplingConfig, text string) error
}

// GenerationKey is the cache key of a prompt under a sampling configuration.
func GenerationKey(prompt string, cfg domain.SamplingConfig) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%g|%g|%d|%d", prompt, cfg.Mode, cfg.Preset, cfg.Temperature, cfg.TopP, cfg.MaxTokens, cfg.Seed)
	return hex.EncodeToString(h.Sum(nil))
}
