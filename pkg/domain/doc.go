/*
Package domain contains the core models of the espalier agent.

It defines the run lifecycle (phases, statuses and reason codes), the structured
role protocol, tool invocations and results, evaluation reports and memory records.
This package is kept pure and free of I/O, following Hexagonal Architecture principles.

# Key Entities

  - TaskObjective: The immutable input of a run.
  - RunState: The mutable run record, owned by the state machine.
  - RoleMessage: A schema-validated output of one role invocation.
  - ToolInvocation / ToolResult: A bounded sandbox action and its captured outcome.
  - EvaluationReport / CritiqueReport: The mandatory gate outputs of each iteration.
  - MemoryRecord: An episodic, semantic or procedural long-term memory item.
*/
package domain
