package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned when a run ID cannot be found in the store.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when the state machine attempts a move outside its transition table.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrInvalidObjective is returned when a TaskObjective cannot drive a run.
	ErrInvalidObjective = errors.New("invalid task objective")

	// ErrIterationExhausted marks the expected terminal condition of reaching the iteration cap.
	// It is surfaced as StatusExhausted, never as a run failure.
	ErrIterationExhausted = errors.New("iteration cap reached")

	// ErrNotReady is returned when a run is requested before the backbone liveness check succeeded.
	ErrNotReady = errors.New("agent not ready")

	// ErrSandboxSaturated is returned when the sandbox worker pool stays full past the queueing timeout.
	ErrSandboxSaturated = errors.New("sandbox worker pool saturated")

	// ErrUnknownTool is returned when an invocation names a tool the sandbox does not provide.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrRunActive is returned when a run ID is already being processed.
	ErrRunActive = errors.New("run already active")
)

// ProtocolViolation is returned when a role output fails structural validation.
type ProtocolViolation struct {
	Role   Role
	Reason string
	Raw    string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation by %s: %s: %v", e.Role, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation by %s: %s", e.Role, e.Reason)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// ToolViolation describes a sandbox policy breach.
// It is recorded on the ToolResult as evidence and never aborts a run by itself.
type ToolViolation struct {
	Kind   ViolationKind
	Tool   string
	Detail string
}

func (e *ToolViolation) Error() string {
	return fmt.Sprintf("tool %s violated sandbox policy (%s): %s", e.Tool, e.Kind, e.Detail)
}

// DependencyFault is returned when an external dependency stays unreachable
// after its bounded retry budget.
type DependencyFault struct {
	Dependency string
	Attempts   int
	Err        error
}

func (e *DependencyFault) Error() string {
	return fmt.Sprintf("dependency %s unavailable after %d attempt(s): %v", e.Dependency, e.Attempts, e.Err)
}

func (e *DependencyFault) Unwrap() error { return e.Err }

// IsProtocolViolation reports whether err carries a ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}

// IsDependencyFault reports whether err carries a DependencyFault.
func IsDependencyFault(err error) bool {
	var df *DependencyFault
	return errors.As(err, &df)
}
