package domain

import (
	"maps"
	"strings"
	"time"
)

// ToolKind classifies what a tool does inside the sandbox.
type ToolKind string

const (
	KindCode    ToolKind = "code"    // Run a code snippet
	KindTest    ToolKind = "test"    // Run code against a test suite
	KindFile    ToolKind = "file"    // Read or write under the restricted root
	KindCommand ToolKind = "command" // Allow-listed command
	KindProcess ToolKind = "process" // Registered process from tools.yaml
)

// ViolationKind flags a ToolResult that broke sandbox policy or limits.
type ViolationKind string

const (
	ViolationNone       ViolationKind = ""
	ViolationTimeout    ViolationKind = "timeout"
	ViolationResource   ViolationKind = "resource"
	ViolationDisallowed ViolationKind = "disallowed"
	ViolationNetwork    ViolationKind = "network"
	ViolationPathEscape ViolationKind = "path_escape"
	ViolationSaturated  ViolationKind = "saturated"
)

// Limits bounds a single tool invocation.
type Limits struct {
	Timeout     time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MemoryBytes uint64        `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty" mapstructure:"memory_bytes"`
	CPUSeconds  uint64        `json:"cpu_seconds,omitempty" yaml:"cpu_seconds,omitempty" mapstructure:"cpu_seconds"`
}

// ToolInvocation is a request for a bounded real-world action.
type ToolInvocation struct {
	ID        string         `json:"id" yaml:"id" mapstructure:"id"`
	RunID     string         `json:"run_id" yaml:"run_id" mapstructure:"run_id"`
	Iteration int            `json:"iteration" yaml:"iteration" mapstructure:"iteration"`
	Name      string         `json:"name" yaml:"name" mapstructure:"name"`
	Input     map[string]any `json:"input,omitempty" yaml:"input,omitempty" mapstructure:"input"`
	Limits    Limits         `json:"limits" yaml:"limits" mapstructure:"limits"`
	Seed      int64          `json:"seed,omitempty" yaml:"seed,omitempty" mapstructure:"seed"`

	// LogicalKey groups re-executions of the same logical action.
	LogicalKey string `json:"logical_key,omitempty" yaml:"logical_key,omitempty" mapstructure:"logical_key"`

	// Origin names the role that requested the action.
	Origin Role `json:"origin,omitempty" yaml:"origin,omitempty" mapstructure:"origin"`
}

// ToolResult is the captured outcome of an invocation.
// It is immutable once the sandbox returns it.
type ToolResult struct {
	ID           string        `json:"id"`
	InvocationID string        `json:"invocation_id"`
	LogicalKey   string        `json:"logical_key,omitempty"`
	Name         string        `json:"name"`
	Kind         ToolKind      `json:"kind,omitempty"`
	Stdout       string        `json:"stdout,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	Artifacts    []string      `json:"artifacts,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Violation    ViolationKind `json:"violation,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// IsViolation reports whether the result breached sandbox policy or limits.
func (r ToolResult) IsViolation() bool {
	return r.Violation != ViolationNone
}

// failureMarkers are stderr substrings that mark a failing test run.
var failureMarkers = []string{"Traceback", "Error", "FAILED"}

// Passed reports whether the result is valid, passing evidence:
// no violation, zero exit status, no error and no failure markers on stderr.
func (r ToolResult) Passed() bool {
	if r.IsViolation() || r.ExitCode != 0 || r.Error != "" {
		return false
	}
	for _, marker := range failureMarkers {
		if strings.Contains(r.Stderr, marker) {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no slices with the receiver.
func (r ToolResult) Clone() ToolResult {
	out := r
	out.Artifacts = append([]string(nil), r.Artifacts...)
	return out
}

// Clone returns a copy of the invocation with its own input map.
func (i ToolInvocation) Clone() ToolInvocation {
	out := i
	out.Input = maps.Clone(i.Input)
	return out
}

// ToolSpec describes a tool available to the engineer role.
// This is used for generating prompts.
type ToolSpec struct {
	Name        string         `json:"name" yaml:"name" mapstructure:"name"`
	Kind        ToolKind       `json:"kind" yaml:"kind" mapstructure:"kind"`
	Description string         `json:"description" yaml:"description" mapstructure:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty" mapstructure:"parameters"`
}
