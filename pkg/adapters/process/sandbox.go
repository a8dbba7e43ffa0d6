package process

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/retry"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/schema"
	"github.com/google/uuid"
)

// Default limits applied when an invocation leaves them unset.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultQueueTimeout = 5 * time.Second
	DefaultKillGrace    = 500 * time.Millisecond
	DefaultMaxOutput    = 64 * 1024
)

// DefaultAllowedCommands is the shell allow-list.
var DefaultAllowedCommands = []string{"ls", "grep", "cat", "git status", "echo"}

// Sandbox executes tool invocations under policy, limits and audit.
// It follows a strict registry: only built-in tools and registered processes run.
type Sandbox struct {
	workspace    string
	scratchRoot  string
	interpreter  []string
	allowed      []string
	registry     map[string]ProcessConfig
	limits       domain.Limits
	queueTimeout time.Duration
	killGrace    time.Duration
	maxOutput    int
	envAllow     []string
	runRoot      string
	keepRuns     bool

	isolateNet  atomic.Bool
	isolateWarn sync.Once
	runMu       sync.Mutex
	runDirs     map[string]string

	sem         chan struct{}
	interceptor ToolInterceptor
	audit       ports.AuditLog
	auditRetry  retry.Policy
	newID       func() string
	logger      *slog.Logger
}

// SandboxOption configures the sandbox.
type SandboxOption func(*Sandbox)

// WithWorkspace sets the seed directory copied into every run workspace.
func WithWorkspace(dir string) SandboxOption {
	return func(s *Sandbox) { s.workspace = dir }
}

// WithScratchRoot sets where per-invocation scratch directories are created.
func WithScratchRoot(dir string) SandboxOption {
	return func(s *Sandbox) { s.scratchRoot = dir }
}

// WithInterpreter sets the command used by python_exec and run_tests.
func WithInterpreter(argv ...string) SandboxOption {
	return func(s *Sandbox) { s.interpreter = argv }
}

// WithAllowedCommands replaces the shell allow-list.
func WithAllowedCommands(cmds ...string) SandboxOption {
	return func(s *Sandbox) { s.allowed = cmds }
}

// WithRegistry populates the registered process tools from a loaded config.
func WithRegistry(tools map[string]ProcessConfig) SandboxOption {
	return func(s *Sandbox) {
		maps.Copy(s.registry, tools)
	}
}

// WithLimits sets the default limits for invocations that carry none.
func WithLimits(l domain.Limits) SandboxOption {
	return func(s *Sandbox) { s.limits = l }
}

// WithWorkers bounds the number of concurrently executing tools.
func WithWorkers(n int) SandboxOption {
	return func(s *Sandbox) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithQueueTimeout sets how long an invocation may wait for a free worker.
func WithQueueTimeout(d time.Duration) SandboxOption {
	return func(s *Sandbox) { s.queueTimeout = d }
}

// WithKillGrace bounds how long a killed process group may take to exit.
func WithKillGrace(d time.Duration) SandboxOption {
	return func(s *Sandbox) { s.killGrace = d }
}

// WithNetworkIsolation runs processes in a fresh network namespace on Linux.
// It is on by default. Where namespaces cannot be created the sandbox logs a
// warning once and relies on NetworkPolicy alone.
func WithNetworkIsolation(enabled bool) SandboxOption {
	return func(s *Sandbox) { s.isolateNet.Store(enabled) }
}

// WithRunRoot sets where per-run workspaces are created.
func WithRunRoot(dir string) SandboxOption {
	return func(s *Sandbox) { s.runRoot = dir }
}

// WithKeepRunWorkspaces keeps run workspaces after ReleaseRun.
func WithKeepRunWorkspaces(keep bool) SandboxOption {
	return func(s *Sandbox) { s.keepRuns = keep }
}

// WithEnvAllow passes the named host variables through to tools.
func WithEnvAllow(names ...string) SandboxOption {
	return func(s *Sandbox) { s.envAllow = names }
}

// WithAuditLog records every invocation and result.
func WithAuditLog(log ports.AuditLog) SandboxOption {
	return func(s *Sandbox) { s.audit = log }
}

// WithAuditRetry sets the retry policy for audit appends.
func WithAuditRetry(p retry.Policy) SandboxOption {
	return func(s *Sandbox) { s.auditRetry = p }
}

// WithIDGenerator replaces uuid-based IDs, e.g. with a counter in tests.
func WithIDGenerator(fn func() string) SandboxOption {
	return func(s *Sandbox) { s.newID = fn }
}

// WithInterceptors appends policy interceptors after the built-in chain.
func WithInterceptors(extra ...ToolInterceptor) SandboxOption {
	return func(s *Sandbox) {
		s.interceptor = MultiInterceptor(append([]ToolInterceptor{s.interceptor}, extra...)...)
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) SandboxOption {
	return func(s *Sandbox) { s.logger = l }
}

// NewSandbox creates a sandbox. The default workspace is the current directory.
func NewSandbox(opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		scratchRoot:  os.TempDir(),
		interpreter:  []string{"python3", "-B"},
		allowed:      DefaultAllowedCommands,
		registry:     make(map[string]ProcessConfig),
		limits:       domain.Limits{Timeout: DefaultTimeout},
		queueTimeout: DefaultQueueTimeout,
		killGrace:    DefaultKillGrace,
		maxOutput:    DefaultMaxOutput,
		sem:          make(chan struct{}, runtime.NumCPU()),
		auditRetry:   retry.DefaultPolicy(),
		newID:        uuid.NewString,
		logger:       logging.NewNop(),
		runDirs:      make(map[string]string),
	}
	s.isolateNet.Store(true)
	s.interceptor = s.defaultPolicy()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sandbox) defaultPolicy() ToolInterceptor {
	return func(ctx context.Context, inv domain.ToolInvocation) (bool, domain.ToolResult, error) {
		// Built lazily so options that change the allow-list still apply.
		return MultiInterceptor(
			KnownToolPolicy(s.known),
			NetworkPolicy(),
			PathPolicy(),
			AllowListPolicy(s.allowed),
		)(ctx, inv)
	}
}

func (s *Sandbox) known(name string) bool {
	if _, ok := builtinSpecs[name]; ok {
		return true
	}
	_, ok := s.registry[name]
	return ok
}

// Register adds a trusted process tool to the registry.
func (s *Sandbox) Register(cfg ProcessConfig) error {
	if _, builtin := builtinSpecs[cfg.Name]; builtin {
		return fmt.Errorf("tool %q shadows a built-in tool", cfg.Name)
	}
	sc, err := schema.ParseTypeMap(cfg.Inputs)
	if err != nil {
		return fmt.Errorf("tool %q inputs: %w", cfg.Name, err)
	}
	cfg.inputSchema = sc
	s.registry[cfg.Name] = cfg
	return nil
}

// Tools lists built-in and registered tools sorted by name.
func (s *Sandbox) Tools() []domain.ToolSpec {
	specs := make([]domain.ToolSpec, 0, len(builtinSpecs)+len(s.registry))
	for _, spec := range builtinSpecs {
		specs = append(specs, spec)
	}
	for name, cfg := range s.registry {
		params := make(map[string]any, len(cfg.Inputs))
		for k, v := range cfg.Inputs {
			params[k] = v
		}
		specs = append(specs, domain.ToolSpec{
			Name:        name,
			Kind:        domain.KindProcess,
			Description: cfg.Description,
			Parameters:  params,
		})
	}
	slices.SortFunc(specs, func(a, b domain.ToolSpec) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return specs
}

// Execute runs one invocation. Every invocation and its result are appended to
// the audit log, whatever the outcome. Policy breaches and tool failures are
// reported in the result; a non-nil error means the audit sink failed or the
// caller's context was cancelled.
func (s *Sandbox) Execute(ctx context.Context, inv domain.ToolInvocation) (domain.ToolResult, error) {
	inv = s.normalize(inv)
	if err := s.record(ctx, inv.RunID, inv.Iteration, ports.AuditToolInvocation, inv.ID, inv); err != nil {
		return domain.ToolResult{}, err
	}

	result, runErr := s.execute(ctx, inv)
	result.ID = s.newID()
	result.InvocationID = inv.ID
	result.LogicalKey = inv.LogicalKey
	result.Name = inv.Name
	if result.Kind == "" {
		result.Kind = kindOf(inv.Name)
	}

	s.logger.Debug("tool executed",
		"run_id", inv.RunID, "tool", inv.Name, "exit_code", result.ExitCode,
		"violation", result.Violation, "duration", result.Duration)

	// Record with a fresh context so a cancelled run still leaves its audit trail.
	if err := s.record(context.WithoutCancel(ctx), inv.RunID, inv.Iteration, ports.AuditToolResult, result.ID, result); err != nil {
		return result, err
	}
	return result, runErr
}

func (s *Sandbox) normalize(inv domain.ToolInvocation) domain.ToolInvocation {
	inv = inv.Clone()
	if inv.ID == "" {
		inv.ID = s.newID()
	}
	if inv.Limits.Timeout <= 0 {
		inv.Limits.Timeout = s.limits.Timeout
		if cfg, ok := s.registry[inv.Name]; ok && cfg.Timeout > 0 {
			inv.Limits.Timeout = cfg.Timeout
		}
	}
	if inv.Limits.MemoryBytes == 0 {
		inv.Limits.MemoryBytes = s.limits.MemoryBytes
	}
	if inv.Limits.CPUSeconds == 0 {
		inv.Limits.CPUSeconds = s.limits.CPUSeconds
	}
	if inv.LogicalKey == "" {
		inv.LogicalKey = LogicalKey(inv.Name, inv.Input)
	}
	return inv
}

// LogicalKey identifies a logical action: the same tool with the same input.
func LogicalKey(name string, input map[string]any) string {
	b, _ := json.Marshal(input) // map keys are sorted by encoding/json
	sum := sha256.Sum256(append([]byte(name+"|"), b...))
	return hex.EncodeToString(sum[:8])
}

func (s *Sandbox) execute(ctx context.Context, inv domain.ToolInvocation) (domain.ToolResult, error) {
	started := time.Now().UTC()

	allowed, denied, err := s.interceptor(ctx, inv)
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("sandbox policy: %w", err)
	}
	if !allowed {
		denied.StartedAt = started
		return denied, nil
	}

	release, err := s.acquire(ctx)
	if err != nil {
		res := domain.ToolResult{StartedAt: started, ExitCode: -1, Error: err.Error()}
		if errors.Is(err, domain.ErrSandboxSaturated) {
			res.Violation = domain.ViolationSaturated
			return res, nil
		}
		return res, err
	}
	defer release()

	res, err := s.dispatch(ctx, inv)
	res.StartedAt = started
	res.Duration = time.Since(started)
	return res, err
}

func (s *Sandbox) acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(s.queueTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-timer.C:
		return nil, domain.ErrSandboxSaturated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sandbox) record(ctx context.Context, runID string, iteration int, kind ports.AuditKind, ref string, payload any) error {
	if s.audit == nil {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	entry := ports.AuditEntry{RunID: runID, Iteration: iteration, Kind: kind, Ref: ref, Payload: b}
	_, err = retry.Do(ctx, s.auditRetry, "audit", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.audit.Append(ctx, entry)
	})
	return err
}
