/*
Package ports defines the driven ports (interfaces) for the espalier agent.

These interfaces decouple the control core from external implementations, allowing
the state machine to work with various backbones, stores, sandboxes and audit sinks.

# Key Interfaces

  - Backbone: The text-generation capability, with a liveness check.
  - Sandbox: Executes bounded tool invocations.
  - RunStore: Persists RunState between transitions.
  - MemoryStore: Long-term memory retrieval and persistence.
  - AuditLog: Append-only record of tool and role activity.
  - DistributedLocker: Ensures one active state machine per run across replicas.
*/
package ports
