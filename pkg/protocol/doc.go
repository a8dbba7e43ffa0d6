// Package protocol implements the structured role contract.
//
// Every role (planner, architect, engineer, evaluator, critic, researcher,
// finalizer) is a RoleSpec in a single table: a schema, prompt instructions and
// a decoder. The Invoker renders the prompt, screens it with pkg/safety, calls
// the generation backbone with bounded retries and validates the reply. Output
// that does not fit the schema is a *domain.ProtocolViolation; the caller
// decides whether to retry.
package protocol
