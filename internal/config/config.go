// Package config loads espalier configuration.
//
// Precedence, highest first: ESPALIER_* environment variables, the YAML file,
// then the defaults returned by Default.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/aretw0/espalier/internal/retry"
	"github.com/aretw0/espalier/pkg/adapters/backbone"
	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/domain"
)

// Backbone kinds.
const (
	BackboneOpenAI   = "openai"
	BackboneScripted = "scripted"
)

// Config is the full service configuration.
type Config struct {
	Log      LogConfig             `koanf:"log"`
	Server   ServerConfig          `koanf:"server"`
	Backbone BackboneConfig        `koanf:"backbone"`
	Sampling domain.SamplingConfig `koanf:"sampling"`
	Retry    retry.Policy          `koanf:"retry"`
	Agent    AgentConfig           `koanf:"agent"`
	Sandbox  SandboxConfig         `koanf:"sandbox"`
	Memory   MemoryConfig          `koanf:"memory"`
	Redis    redis.Config          `koanf:"redis"`
	Store    StoreConfig           `koanf:"store"`
	Audit    AuditConfig           `koanf:"audit"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// File receives a JSON copy of every log line when set.
	File string `koanf:"file"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	RateLimit       float64       `koanf:"rate_limit"` // Requests per second per client
	Burst           int           `koanf:"burst"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type BackboneConfig struct {
	Kind string `koanf:"kind"`
	// Script is the YAML reply script used by the scripted backbone.
	Script   string          `koanf:"script"`
	OpenAI   backbone.Config `koanf:"openai"`
	Cache    bool            `koanf:"cache"`
	CacheTTL time.Duration   `koanf:"cache_ttl"`
}

type AgentConfig struct {
	IterationCap        int     `koanf:"iteration_cap"`
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
	ProtocolRetries     int     `koanf:"protocol_retries"`
	Research            bool    `koanf:"research"`
	Finalize            bool    `koanf:"finalize"`
	Checkpoint          bool    `koanf:"checkpoint"`
}

type SandboxConfig struct {
	Workspace        string        `koanf:"workspace"`
	ScratchRoot      string        `koanf:"scratch_root"`
	Interpreter      []string      `koanf:"interpreter"`
	AllowedCommands  []string      `koanf:"allowed_commands"`
	ToolsFile        string        `koanf:"tools_file"`
	Workers          int           `koanf:"workers"`
	Timeout          time.Duration `koanf:"timeout"`
	QueueTimeout     time.Duration `koanf:"queue_timeout"`
	MemoryBytes      uint64        `koanf:"memory_bytes"`
	CPUSeconds       uint64        `koanf:"cpu_seconds"`
	NetworkIsolation bool          `koanf:"network_isolation"`
	EnvAllow         []string      `koanf:"env_allow"`
	// RunRoot holds one private copy of Workspace per run.
	RunRoot string `koanf:"run_root"`
	// KeepRuns keeps run workspaces after the run ends.
	KeepRuns bool `koanf:"keep_runs"`
}

type MemoryConfig struct {
	MaxRecords  int           `koanf:"max_records"`
	TTL         time.Duration `koanf:"ttl"`
	RecallLimit int           `koanf:"recall_limit"`
}

// StoreConfig protects run state at rest.
type StoreConfig struct {
	// Dir keeps runs as JSON files when Redis is not configured.
	Dir string `koanf:"dir"`
	// EncryptionKey is a base64 AES-256 key. When set, stored runs are sealed.
	EncryptionKey string `koanf:"encryption_key"`
	// FallbackKeys decrypt runs sealed before a key rotation.
	FallbackKeys []string `koanf:"fallback_keys"`
	// MaskKeys are regular expressions; matching tool input keys are masked.
	MaskKeys []string `koanf:"mask_keys"`
}

// Keys decodes the encryption keys. The active key is nil when encryption is off.
func (s StoreConfig) Keys() (active []byte, fallback [][]byte, err error) {
	if s.EncryptionKey == "" {
		return nil, nil, nil
	}
	if active, err = decodeKey(s.EncryptionKey); err != nil {
		return nil, nil, fmt.Errorf("store.encryption_key: %w", err)
	}
	for i, k := range s.FallbackKeys {
		key, err := decodeKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("store.fallback_keys[%d]: %w", i, err)
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(key))
	}
	return key, nil
}

type AuditConfig struct {
	// Path of the SQLite audit database. Empty keeps the log in memory.
	Path string `koanf:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       5,
			Burst:           10,
			ShutdownTimeout: 15 * time.Second,
		},
		Backbone: BackboneConfig{
			Kind:     BackboneOpenAI,
			OpenAI:   backbone.Config{BaseURL: "http://localhost:8000/v1", Model: "default"},
			CacheTTL: time.Hour,
		},
		Sampling: domain.DefaultSampling(),
		Retry:    retry.DefaultPolicy(),
		Agent: AgentConfig{
			IterationCap:        5,
			ConfidenceThreshold: 0.7,
			ProtocolRetries:     1,
		},
		Sandbox: SandboxConfig{
			Workspace:    "./workspace",
			Interpreter:  []string{"python3", "-B"},
			ToolsFile:    "tools.yaml",
			Timeout:      10 * time.Second,
			QueueTimeout: 5 * time.Second,
			MemoryBytes:  512 << 20,
			CPUSeconds:   10,

			NetworkIsolation: true,
		},
		Memory: MemoryConfig{MaxRecords: 1000, RecallLimit: 5},
		Store:  StoreConfig{MaskKeys: []string{`(?i)(password|passwd|secret|token|api_?key|credential)`}},
	}
}

// ObjectiveDefaults returns the values applied to objectives that leave them unset.
func (c Config) ObjectiveDefaults() domain.ObjectiveDefaults {
	return domain.ObjectiveDefaults{
		IterationCap:        c.Agent.IterationCap,
		ConfidenceThreshold: c.Agent.ConfidenceThreshold,
	}
}

// Limits returns the per-invocation sandbox limits.
func (c Config) Limits() domain.Limits {
	return domain.Limits{
		Timeout:     c.Sandbox.Timeout,
		MemoryBytes: c.Sandbox.MemoryBytes,
		CPUSeconds:  c.Sandbox.CPUSeconds,
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Backbone.Kind {
	case BackboneOpenAI:
		if err := c.Backbone.OpenAI.Validate(); err != nil {
			errs = append(errs, err)
		}
	case BackboneScripted:
		if c.Backbone.Script == "" {
			errs = append(errs, errors.New("backbone.script is required for the scripted backbone"))
		}
	default:
		errs = append(errs, fmt.Errorf("backbone.kind must be %q or %q, got %q", BackboneOpenAI, BackboneScripted, c.Backbone.Kind))
	}
	if c.Sampling.Mode != domain.SamplingDeterministic && c.Sampling.Mode != domain.SamplingStochastic {
		errs = append(errs, fmt.Errorf("sampling.mode must be %q or %q, got %q", domain.SamplingDeterministic, domain.SamplingStochastic, c.Sampling.Mode))
	}
	if _, err := c.Sampling.ApplyPreset(); err != nil {
		errs = append(errs, err)
	}
	if c.Agent.IterationCap < 1 {
		errs = append(errs, fmt.Errorf("agent.iteration_cap must be at least 1, got %d", c.Agent.IterationCap))
	}
	if c.Agent.ConfidenceThreshold < 0 || c.Agent.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("agent.confidence_threshold must be within [0,1], got %v", c.Agent.ConfidenceThreshold))
	}
	if c.Agent.ProtocolRetries < 0 {
		errs = append(errs, fmt.Errorf("agent.protocol_retries must not be negative, got %d", c.Agent.ProtocolRetries))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("sandbox.timeout must be positive"))
	}
	if len(c.Sandbox.Interpreter) == 0 {
		errs = append(errs, errors.New("sandbox.interpreter must name a command"))
	}
	if c.Memory.MaxRecords < 0 {
		errs = append(errs, fmt.Errorf("memory.max_records must not be negative, got %d", c.Memory.MaxRecords))
	}
	if _, _, err := c.Store.Keys(); err != nil {
		errs = append(errs, err)
	}
	for _, p := range c.Store.MaskKeys {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("store.mask_keys: %w", err))
		}
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative, got %v", c.Server.RateLimit))
	}
	return errors.Join(errs...)
}
