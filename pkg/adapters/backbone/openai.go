// Package backbone provides generation backbone adapters: an OpenAI-compatible
// client (vLLM, llama.cpp server, OpenAI) and a scripted backbone for tests and demos.
package backbone

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrInvalidConfig indicates an incomplete backbone configuration.
var ErrInvalidConfig = errors.New("invalid backbone configuration")

// Config holds the OpenAI-compatible endpoint settings.
type Config struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// OpenAI streams completions from an OpenAI-compatible chat endpoint.
type OpenAI struct {
	llm   llms.Model
	model string
}

// NewOpenAI creates the client. No request is made until Ping or Generate.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token, local servers ignore it
		apiKey = "placeholder"
	}
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return &OpenAI{llm: llm, model: cfg.Model}, nil
}

// Ping asks for a single token to prove the endpoint serves the model.
func (o *OpenAI) Ping(ctx context.Context) error {
	_, err := llms.GenerateFromSinglePrompt(ctx, o.llm, "ping", llms.WithMaxTokens(1))
	if err != nil {
		return fmt.Errorf("backbone %s unreachable: %w", o.model, err)
	}
	return nil
}

func (o *OpenAI) Generate(ctx context.Context, prompt string, cfg domain.SamplingConfig) (<-chan domain.Chunk, error) {
	out := make(chan domain.Chunk, 16)
	go func() {
		defer close(out)
		streamed := false
		send := func(c domain.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		opts := []llms.CallOption{
			llms.WithTemperature(cfg.Temperature),
			llms.WithTopP(cfg.TopP),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				streamed = true
				if !send(domain.Chunk{Text: string(chunk)}) {
					return ctx.Err()
				}
				return nil
			}),
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, llms.WithMaxTokens(cfg.MaxTokens))
		}
		if cfg.Mode == domain.SamplingDeterministic {
			opts = append(opts, llms.WithSeed(int(cfg.Seed)))
		}

		resp, err := o.llm.GenerateContent(ctx, []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		}, opts...)
		if err != nil {
			send(domain.Chunk{Err: err})
			return
		}
		// Servers that ignore streaming return the whole completion at once.
		if !streamed && resp != nil && len(resp.Choices) > 0 {
			send(domain.Chunk{Text: resp.Choices[0].Content})
		}
	}()
	return out, nil
}
