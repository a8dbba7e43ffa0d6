package domain

import (
	"fmt"
	"hash/fnv"
)

// SamplingMode selects between reproducible and exploratory generation.
type SamplingMode string

const (
	SamplingDeterministic SamplingMode = "deterministic"
	SamplingStochastic    SamplingMode = "stochastic"
)

// SamplingConfig is passed to the generation backbone with every prompt.
type SamplingConfig struct {
	Mode        SamplingMode `json:"mode" yaml:"mode" koanf:"mode"`
	Preset      string       `json:"preset,omitempty" yaml:"preset,omitempty" koanf:"preset"`
	Temperature float64      `json:"temperature" yaml:"temperature" koanf:"temperature"`
	TopP        float64      `json:"top_p" yaml:"top_p" koanf:"top_p"`
	MaxTokens   int          `json:"max_tokens" yaml:"max_tokens" koanf:"max_tokens"`
	Seed        int64        `json:"seed" yaml:"seed" koanf:"seed"`
}

// Preset names.
const (
	PresetDeterministic = "deterministic"
	PresetCoding        = "coding"
	PresetCreative      = "creative"
	PresetResearch      = "research"
)

// DefaultSampling is the deterministic configuration used when none is given.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		Mode:        SamplingDeterministic,
		Preset:      PresetDeterministic,
		Temperature: 0,
		TopP:        1,
		MaxTokens:   1024,
	}
}

// ApplyPreset overrides temperature, top-p and token budget for a named preset.
func (c SamplingConfig) ApplyPreset() (SamplingConfig, error) {
	switch c.Preset {
	case "":
	case PresetDeterministic, PresetCoding:
		c.Temperature = 0.1
		c.TopP = 0.1
		c.MaxTokens = max(c.MaxTokens, 1024)
	case PresetCreative:
		c.Temperature = 0.9
		c.TopP = 0.95
	case PresetResearch:
		c.Temperature = 0.2
		c.TopP = 0.95
		c.MaxTokens = max(c.MaxTokens, 2048)
	default:
		return c, fmt.Errorf("unknown sampling preset %q", c.Preset)
	}
	if c.Mode == SamplingDeterministic {
		// Strict reproducibility wins over the preset temperature.
		c.Temperature = 0
	}
	return c, nil
}

// ForStep derives the sampling config for one role call.
// In deterministic mode the seed is a pure function of the base seed, role and iteration.
func (c SamplingConfig) ForStep(base int64, role Role, iteration, attempt int) SamplingConfig {
	if c.Mode != SamplingDeterministic {
		return c
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%d|%d", base, role, iteration, attempt)
	c.Seed = int64(h.Sum64() & 0x7fffffffffffffff)
	return c
}

// Chunk is one piece of a backbone token stream.
type Chunk struct {
	Text string
	Err  error
}
