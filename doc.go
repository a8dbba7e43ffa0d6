/*
Package espalier is the control core of an autonomous task-execution agent.

An Agent receives an engineering objective and loops through an explicit
state machine until evaluation decides to stop. Every iteration plans,
designs and implements through specialised reasoning roles, runs real
actions in a bounded sandbox, and submits the outcome to a mandatory
evaluation and critique gate that cannot be skipped.

# Concept

Collaborators sit behind narrow ports (pkg/ports): the generation backbone,
the tool sandbox, the run store, long-term memory and the append-only audit
log. The Agent wires them together with functional options and falls back
to in-memory adapters for anything left unset, except the backbone.

# Usage

	ctx := context.Background()

	agent, err := espalier.New(
		espalier.WithBackbone(backbone.NewScripted()),
		espalier.WithSandbox(process.NewSandbox(process.WithWorkspace("./workspace"))),
	)
	if err != nil {
		log.Fatal(err)
	}

	state, err := agent.Run(ctx, domain.TaskObjective{Goal: "reverse a string"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(state.Status, state.Reason)

Long-running callers use Start, Wait and Cancel instead; the run is then
owned by a session manager and detached from the request context.
*/
package espalier
