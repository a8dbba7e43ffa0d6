package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/retry"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/safety"
	"github.com/aretw0/espalier/pkg/schema"
)

// Violation reasons reported on *domain.ProtocolViolation.
const (
	ReasonUnsafeInput  = "unsafe_input"
	ReasonEmptyOutput  = "empty_output"
	ReasonMalformed    = "malformed_json"
	ReasonSchema       = "schema_mismatch"
	ReasonUnknownRole  = "unknown_role"
	ReasonDecodeFailed = "decode_failed"
)

// Invoker calls the generation backbone for one role and turns the reply
// into a validated RoleMessage. It never touches RunState.
type Invoker struct {
	backbone ports.Backbone
	cache    ports.GenerationCache
	filter   *safety.Filter
	sampling domain.SamplingConfig
	retry    retry.Policy
	roles    map[domain.Role]RoleSpec
	logger   *slog.Logger
}

// Option configures the Invoker.
type Option func(*Invoker)

// WithCache enables the generation cache for deterministic sampling.
func WithCache(c ports.GenerationCache) Option {
	return func(i *Invoker) { i.cache = c }
}

// WithFilter replaces the default safety filter.
func WithFilter(f *safety.Filter) Option {
	return func(i *Invoker) { i.filter = f }
}

// WithSampling sets the base sampling configuration.
func WithSampling(cfg domain.SamplingConfig) Option {
	return func(i *Invoker) { i.sampling = cfg }
}

// WithRetry sets the backbone retry policy.
func WithRetry(p retry.Policy) Option {
	return func(i *Invoker) { i.retry = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) { i.logger = l }
}

// NewInvoker creates an Invoker bound to a backbone.
func NewInvoker(backbone ports.Backbone, opts ...Option) *Invoker {
	i := &Invoker{
		backbone: backbone,
		filter:   safety.NewFilter(),
		sampling: domain.DefaultSampling(),
		retry:    retry.DefaultPolicy(),
		roles:    DefaultRoles(),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Sampling returns the base sampling configuration.
func (i *Invoker) Sampling() domain.SamplingConfig {
	return i.sampling
}

// Invoke performs a single attempt for role. attempt feeds the seed derivation,
// so a retried role gets its own deterministic seed.
//
// A malformed or unsafe reply yields *domain.ProtocolViolation; an unreachable
// backbone yields *domain.DependencyFault once the retry budget is spent.
func (i *Invoker) Invoke(ctx context.Context, role domain.Role, tc TaskContext, attempt int) (domain.RoleMessage, error) {
	spec, ok := i.roles[role]
	if !ok {
		return domain.RoleMessage{}, &domain.ProtocolViolation{Role: role, Reason: ReasonUnknownRole}
	}

	prompt, err := Render(spec, tc)
	if err != nil {
		return domain.RoleMessage{}, err
	}
	if err := i.filter.CheckInput(prompt); err != nil {
		return domain.RoleMessage{}, &domain.ProtocolViolation{Role: role, Reason: ReasonUnsafeInput, Err: err}
	}

	cfg := i.sampling.ForStep(tc.Objective.Seed, role, tc.Iteration, attempt)
	raw, err := i.generate(ctx, prompt, cfg)
	if err != nil {
		return domain.RoleMessage{}, err
	}

	msg, err := Parse(spec, raw)
	if err != nil {
		var pv *domain.ProtocolViolation
		if errors.As(err, &pv) {
			pv.Raw = i.filter.RedactOutput(pv.Raw)
		}
		i.logger.Warn("role output rejected", "role", role, "iteration", tc.Iteration, "attempt", attempt, "err", err)
		return domain.RoleMessage{}, err
	}
	msg = i.redact(msg)
	msg.Attempts = attempt
	return msg, nil
}

// redact masks personal data in the text a message records and shows.
// The action input is left as generated because it is executed.
func (i *Invoker) redact(msg domain.RoleMessage) domain.RoleMessage {
	msg.Rationale = i.filter.RedactOutput(msg.Rationale)
	msg.ExpectedResult = i.filter.RedactOutput(msg.ExpectedResult)
	msg.Raw = i.filter.RedactOutput(msg.Raw)
	for k, v := range msg.Fields {
		switch v := v.(type) {
		case string:
			msg.Fields[k] = i.filter.RedactOutput(v)
		case []string:
			out := make([]string, len(v))
			for j, s := range v {
				out[j] = i.filter.RedactOutput(s)
			}
			msg.Fields[k] = out
		}
	}
	return msg
}

func (i *Invoker) generate(ctx context.Context, prompt string, cfg domain.SamplingConfig) (string, error) {
	cacheable := i.cache != nil && cfg.Mode == domain.SamplingDeterministic
	if cacheable {
		text, hit, err := i.cache.Get(ctx, prompt, cfg)
		switch {
		case err != nil:
			i.logger.Warn("generation cache unavailable", "err", err)
		case hit:
			i.logger.Debug("generation cache hit")
			return text, nil
		}
	}

	text, err := retry.Do(ctx, i.retry, "backbone", func(ctx context.Context) (string, error) {
		stream, err := i.backbone.Generate(ctx, prompt, cfg)
		if err != nil {
			return "", err
		}
		return collect(ctx, stream)
	})
	if err != nil {
		return "", err
	}

	if cacheable {
		if err := i.cache.Set(ctx, prompt, cfg, text); err != nil {
			i.logger.Warn("generation cache write failed", "err", err)
		}
	}
	return text, nil
}

func collect(ctx context.Context, stream <-chan domain.Chunk) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return b.String(), nil
			}
			if chunk.Err != nil {
				return "", chunk.Err
			}
			b.WriteString(chunk.Text)
		}
	}
}

// Parse validates raw backbone text against the role schema.
func Parse(spec RoleSpec, raw string) (domain.RoleMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.RoleMessage{}, &domain.ProtocolViolation{Role: spec.Role, Reason: ReasonEmptyOutput, Raw: raw}
	}
	fields, err := ExtractJSON(raw)
	if err != nil {
		return domain.RoleMessage{}, &domain.ProtocolViolation{Role: spec.Role, Reason: ReasonMalformed, Raw: raw, Err: err}
	}
	if err := schema.Validate(spec.Schema, fields); err != nil {
		return domain.RoleMessage{}, &domain.ProtocolViolation{Role: spec.Role, Reason: ReasonSchema, Raw: raw, Err: err}
	}
	msg, err := spec.Build(fields)
	if err != nil {
		return domain.RoleMessage{}, &domain.ProtocolViolation{Role: spec.Role, Reason: ReasonDecodeFailed, Raw: raw, Err: err}
	}
	msg.Fields = fields
	msg.Raw = raw
	return msg, nil
}

// Describe explains a rejected reply for the correction note of the next attempt.
func Describe(err error) string {
	var pv *domain.ProtocolViolation
	if !errors.As(err, &pv) {
		return err.Error()
	}
	var agg *schema.AggregateError
	if errors.As(pv.Err, &agg) {
		return fmt.Sprintf("%s (fields: %s)", pv.Reason, strings.Join(agg.Keys(), ", "))
	}
	return pv.Reason
}

// InvokeRetrying calls Invoke until the reply fits the protocol or retries run out.
// Each retry carries a correction note and its own attempt number. Errors other
// than protocol violations are returned immediately.
func (i *Invoker) InvokeRetrying(ctx context.Context, role domain.Role, tc TaskContext, retries int) (domain.RoleMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		msg, err := i.Invoke(ctx, role, tc, attempt)
		if err == nil {
			return msg, nil
		}
		if !domain.IsProtocolViolation(err) {
			return domain.RoleMessage{}, err
		}
		lastErr = err
		tc.Correction = Describe(err)
	}
	return domain.RoleMessage{}, lastErr
}
