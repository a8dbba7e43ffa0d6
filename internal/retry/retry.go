// Package retry wraps bounded exponential backoff for calls to external dependencies.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/cenkalti/backoff/v5"
)

// Policy bounds the retries made against one dependency.
type Policy struct {
	Attempts  int           `koanf:"attempts"`
	BaseDelay time.Duration `koanf:"base_delay"`
	MaxDelay  time.Duration `koanf:"max_delay"`
}

// DefaultPolicy is three attempts starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error or the attempts run out.
// Exhaustion is reported as a *domain.DependencyFault naming dependency.
// Context cancellation is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, dependency string, op func(context.Context) (T, error)) (T, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	attempts := 0
	var permanent bool
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.Attempts)))
	if err == nil {
		return result, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if permanent {
		return zero, err
	}
	return zero, &domain.DependencyFault{Dependency: dependency, Attempts: attempts, Err: err}
}
