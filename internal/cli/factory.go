package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/pkg/adapters/backbone"
	"github.com/aretw0/espalier/pkg/adapters/file"
	httpAdapter "github.com/aretw0/espalier/pkg/adapters/http"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/adapters/process"
	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/adapters/sqlite"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// BuildOptions tweaks what Build wires beyond the configuration.
type BuildOptions struct {
	// Backbone overrides the configured backbone, mainly for tests.
	Backbone ports.Backbone
	// Hooks are merged after the metrics and logging hooks.
	Hooks []domain.LifecycleHooks
}

// Runtime is a fully wired agent plus the resources it owns.
type Runtime struct {
	Agent    *espalier.Agent
	Streams  *httpAdapter.StreamManager
	Registry *prometheus.Registry
	Audit    ports.AuditLog

	closers []io.Closer
}

// Close releases every resource opened by Build, in reverse order.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build wires the adapters selected by cfg into an Agent.
// Redis backs runs, memories, locks and the generation cache when an address
// is configured; otherwise everything stays in process, except runs when
// store.dir is set.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, bo BuildOptions) (_ *Runtime, err error) {
	rt := &Runtime{
		Streams:  httpAdapter.NewStreamManager(httpAdapter.WithStreamLogger(logger)),
		Registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(rt.Registry)

	bb := bo.Backbone
	if bb == nil {
		if bb, err = buildBackbone(cfg.Backbone); err != nil {
			return nil, err
		}
	}

	opts := []espalier.Option{
		espalier.WithBackbone(bb),
		espalier.WithLogger(logger),
		espalier.WithEventSink(rt.Streams),
		espalier.WithLifecycleHooks(metrics.Hooks()),
		espalier.WithLifecycleHooks(observability.LoggingHooks(logger)),
		espalier.WithSampling(cfg.Sampling),
		espalier.WithObjectiveDefaults(cfg.ObjectiveDefaults()),
		espalier.WithProtocolRetries(cfg.Agent.ProtocolRetries),
		espalier.WithLimits(cfg.Limits()),
		espalier.WithResearch(cfg.Agent.Research),
		espalier.WithFinalize(cfg.Agent.Finalize),
		espalier.WithCheckpoint(cfg.Agent.Checkpoint),
		espalier.WithRetryPolicy(cfg.Retry.Attempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		espalier.WithRecallLimit(cfg.Memory.RecallLimit),
	}
	for _, h := range bo.Hooks {
		opts = append(opts, espalier.WithLifecycleHooks(h))
	}

	var (
		cache ports.GenerationCache
		runs  ports.RunStore
	)
	if cfg.Redis.Enabled() {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, client)

		prefix := cfg.Redis.Prefix
		if prefix == "" {
			prefix = redis.DefaultPrefix
		}
		runs = redis.NewFromClient(client, redis.WithPrefix(prefix+"run:"))
		opts = append(opts,
			espalier.WithMemoryStore(redis.NewMemoryStore(client,
				redis.WithMemoryPrefix(prefix+"memory:"),
				redis.WithMaxRecords(cfg.Memory.MaxRecords),
				redis.WithMemoryTTL(cfg.Memory.TTL),
			)),
			espalier.WithLocker(redis.NewLocker(client, prefix+"lock:")),
		)
		cache = redis.NewGenerationCache(client, cfg.Backbone.CacheTTL)
		logger.Info("redis backend connected", "addr", cfg.Redis.Addr, "prefix", prefix)
	} else {
		runs = memory.NewStore()
		if cfg.Store.Dir != "" {
			runs = file.New(cfg.Store.Dir)
		}
		opts = append(opts, espalier.WithMemoryStore(memory.NewMemoryStore(memory.WithMaxRecords(cfg.Memory.MaxRecords))))
		cache = backbone.NewMemoryCache(cfg.Backbone.CacheTTL)
	}
	if runs, err = protectStore(runs, cfg.Store); err != nil {
		return nil, err
	}
	opts = append(opts, espalier.WithRunStore(runs))

	if cfg.Backbone.Cache {
		opts = append(opts, espalier.WithGenerationCache(cache))
	}

	if cfg.Audit.Path != "" {
		audit, err := sqlite.Open(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, audit)
		rt.Audit = audit
	} else {
		rt.Audit = memory.NewAuditLog()
	}
	opts = append(opts, espalier.WithAuditLog(rt.Audit))

	sandbox, err := buildSandbox(cfg, rt.Audit, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, espalier.WithSandbox(sandbox))

	agent, err := espalier.New(opts...)
	if err != nil {
		return nil, err
	}
	rt.Agent = agent
	return rt, nil
}

func buildBackbone(cfg config.BackboneConfig) (ports.Backbone, error) {
	switch cfg.Kind {
	case config.BackboneScripted:
		if cfg.Script == "" {
			return nil, errors.New("scripted backbone requires backbone.script")
		}
		return backbone.LoadScript(cfg.Script)
	case config.BackboneOpenAI, "":
		return backbone.NewOpenAI(cfg.OpenAI)
	default:
		return nil, fmt.Errorf("unknown backbone kind %q", cfg.Kind)
	}
}

// protectStore masks sensitive tool inputs and, with a key configured, seals
// run state before it reaches the store.
func protectStore(store ports.RunStore, cfg config.StoreConfig) (ports.RunStore, error) {
	var mws []middleware.Middleware
	if len(cfg.MaskKeys) > 0 {
		pii, err := middleware.NewPIIMiddleware(cfg.MaskKeys)
		if err != nil {
			return nil, err
		}
		mws = append(mws, pii)
	}
	active, fallback, err := cfg.Keys()
	if err != nil {
		return nil, err
	}
	if active != nil {
		enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: active, FallbackKeys: fallback})
		if err != nil {
			return nil, err
		}
		mws = append(mws, enc)
	}
	return middleware.Chain(store, mws...), nil
}

func buildSandbox(cfg *config.Config, audit ports.AuditLog, logger *slog.Logger) (*process.Sandbox, error) {
	sc := cfg.Sandbox
	if err := os.MkdirAll(sc.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	tools, err := process.LoadTools(sc.ToolsFile)
	if err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	opts := []process.SandboxOption{
		process.WithWorkspace(sc.Workspace),
		process.WithRegistry(tools),
		process.WithLimits(cfg.Limits()),
		process.WithQueueTimeout(sc.QueueTimeout),
		process.WithNetworkIsolation(sc.NetworkIsolation),
		process.WithKeepRunWorkspaces(sc.KeepRuns),
		process.WithAuditLog(audit),
		process.WithAuditRetry(cfg.Retry),
		process.WithLogger(logger),
	}
	if sc.ScratchRoot != "" {
		opts = append(opts, process.WithScratchRoot(sc.ScratchRoot))
	}
	if sc.RunRoot != "" {
		opts = append(opts, process.WithRunRoot(sc.RunRoot))
	}
	if len(sc.Interpreter) > 0 {
		opts = append(opts, process.WithInterpreter(sc.Interpreter...))
	}
	if len(sc.AllowedCommands) > 0 {
		opts = append(opts, process.WithAllowedCommands(sc.AllowedCommands...))
	}
	if sc.Workers > 0 {
		opts = append(opts, process.WithWorkers(sc.Workers))
	}
	if len(sc.EnvAllow) > 0 {
		opts = append(opts, process.WithEnvAllow(sc.EnvAllow...))
	}
	return process.NewSandbox(opts...), nil
}
