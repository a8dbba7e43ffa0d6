package backbone

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"gopkg.in/yaml.v3"
)

// rolePrefix marks the first prompt line that names the invoked role.
const rolePrefix = "ROLE: "

// Reply is one scripted backbone answer.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Text builds a reply from raw text.
func Text(s string) Reply { return Reply{Text: s} }

// JSON builds a reply from a value marshalled to JSON.
func JSON(v any) Reply {
	b, err := json.Marshal(v)
	if err != nil {
		return Reply{Err: err}
	}
	return Reply{Text: string(b)}
}

// Fail builds a reply that makes Generate return err.
func Fail(err error) Reply { return Reply{Err: err} }

// Call records one prompt seen by the Scripted backbone.
type Call struct {
	Role     domain.Role
	Prompt   string
	Sampling domain.SamplingConfig
}

// Scripted is a deterministic Backbone that answers from per-role queues.
// When a role queue is drained, its sticky reply (if any) is repeated.
type Scripted struct {
	mu      sync.Mutex
	queues  map[domain.Role][]Reply
	sticky  map[domain.Role]Reply
	calls   []Call
	pingErr error
}

// NewScripted creates an empty script.
func NewScripted() *Scripted {
	return &Scripted{
		queues: make(map[domain.Role][]Reply),
		sticky: make(map[domain.Role]Reply),
	}
}

// On queues replies for role, consumed in order.
func (s *Scripted) On(role domain.Role, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[role] = append(s.queues[role], replies...)
	return s
}

// Always sets the reply used once the queue of role is empty.
func (s *Scripted) Always(role domain.Role, reply Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky[role] = reply
	return s
}

// FailPing makes the liveness check fail with err.
func (s *Scripted) FailPing(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
	return s
}

// Calls returns the prompts received so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns the prompts received for one role.
func (s *Scripted) CallsFor(role domain.Role) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scripted) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *Scripted) Generate(ctx context.Context, prompt string, cfg domain.SamplingConfig) (<-chan domain.Chunk, error) {
	role := roleOf(prompt)
	reply, ok := s.next(role, prompt, cfg)
	if !ok {
		return nil, fmt.Errorf("no scripted reply for role %q", role)
	}
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}

	out := make(chan domain.Chunk)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(reply.Text, " ") {
			select {
			case out <- domain.Chunk{Text: word}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Scripted) next(role domain.Role, prompt string, cfg domain.SamplingConfig) (Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Role: role, Prompt: prompt, Sampling: cfg})
	if q := s.queues[role]; len(q) > 0 {
		s.queues[role] = q[1:]
		return q[0], true
	}
	reply, ok := s.sticky[role]
	return reply, ok
}

func roleOf(prompt string) domain.Role {
	sc := bufio.NewScanner(strings.NewReader(prompt))
	if sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), rolePrefix); ok {
			return domain.Role(strings.TrimSpace(name))
		}
	}
	return ""
}

// scriptFile is the YAML layout accepted by LoadScript.
// Each role maps to a list of replies; a reply is either a string or an object
// that is marshalled to JSON. The last reply of each role repeats.
type scriptFile struct {
	Roles map[domain.Role][]yaml.Node `yaml:"roles"`
	Ping  string                      `yaml:"ping_error"`
}

// LoadScript builds a Scripted backbone from a YAML file, for offline demos.
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var file scriptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}

	s := NewScripted()
	for role, nodes := range file.Roles {
		for i, node := range nodes {
			reply, err := replyFromNode(&node)
			if err != nil {
				return nil, fmt.Errorf("role %s reply %d: %w", role, i, err)
			}
			s.On(role, reply)
			if i == len(nodes)-1 {
				s.Always(role, reply)
			}
		}
	}
	if file.Ping != "" {
		s.FailPing(fmt.Errorf("%s", file.Ping))
	}
	return s, nil
}

func replyFromNode(node *yaml.Node) (Reply, error) {
	if node.Kind == yaml.ScalarNode {
		return Text(node.Value), nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return Reply{}, err
	}
	return JSON(v), nil
}
