// Package process implements the tool sandbox.
//
// Every invocation passes a policy chain (known tool, network, path, allow-list),
// waits for a slot in a bounded worker pool and runs in a fresh scratch
// directory with an isolated environment. Processes get their own process
// group so a timeout or cancellation kills the whole tree. On Linux, memory and
// CPU ceilings are applied with prlimit and the network can be cut with a
// separate namespace.
//
// Policy breaches, timeouts and failing tools come back as ToolResults with a
// ViolationKind; they are evidence for the evaluation gate, not errors.
package process
