package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// Mask replaces masked values in stored runs.
const Mask = "***"

// DefaultSensitiveKeys matches input keys that commonly carry credentials.
var DefaultSensitiveKeys = []string{`(?i)(password|passwd|secret|token|api_?key|credential)`}

type piiMiddleware struct {
	next     ports.RunStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks values whose keys match the
// patterns. It covers tool inputs requested by roles and the role payloads.
func NewPIIMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("mask pattern %q: %w", p, err)
		}
		patterns[i] = re
	}
	return func(next ports.RunStore) ports.RunStore {
		return &piiMiddleware{next: next, patterns: patterns}
	}, nil
}

func (m *piiMiddleware) Save(ctx context.Context, runID string, state *domain.RunState) error {
	// The engine keeps using state; mask a deep copy.
	cloned := state.Snapshot()
	for i := range cloned.History {
		msg := cloned.History[i].Message
		if msg == nil {
			continue
		}
		if msg.Action != nil {
			msg.Action.Input = deepCopyMap(msg.Action.Input)
			maskMap(msg.Action.Input, m.patterns)
		}
		msg.Fields = deepCopyMap(msg.Fields)
		maskMap(msg.Fields, m.patterns)
	}
	return m.next.Save(ctx, runID, cloned)
}

func (m *piiMiddleware) Load(ctx context.Context, runID string) (*domain.RunState, error) {
	return m.next.Load(ctx, runID)
}

func (m *piiMiddleware) Delete(ctx context.Context, runID string) error {
	return m.next.Delete(ctx, runID)
}

func (m *piiMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if subMap, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(subMap)
		} else {
			out[k] = v
		}
	}
	return out
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		masked := false
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = Mask
				masked = true
				break
			}
		}
		if subMap, ok := v.(map[string]any); ok && !masked {
			maskMap(subMap, patterns)
		}
	}
}
