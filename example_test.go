package espalier_test

import (
	"context"
	"fmt"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/pkg/adapters/backbone"
	"github.com/aretw0/espalier/pkg/domain"
)

func Example() {
	agent, err := espalier.New(
		espalier.WithBackbone(passingScript()),
		espalier.WithSandbox(&stubSandbox{}),
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	state, err := agent.Run(context.Background(), domain.TaskObjective{Goal: "reverse a string", IterationCap: 3})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(state.Status, state.Reason, state.Iteration)
	// Output: succeeded succeeded 1
}

func ExampleAgent_Ready() {
	agent, _ := espalier.New(espalier.WithBackbone(backbone.NewScripted().FailPing(fmt.Errorf("dial tcp: refused"))))
	fmt.Println(agent.Ready(context.Background()))
	// Output: agent not ready: backbone unreachable: dial tcp: refused
}
