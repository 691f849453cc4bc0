package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/flowgraph"
)

// VariableParams defines the parameters for the variable executor.
type VariableParams struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// VariableExecutor writes an execution variable. It compensates by
// restoring the variable's previous value, making it a small working
// example of rollback behavior.
type VariableExecutor struct{}

func NewVariableExecutor() *VariableExecutor {
	return &VariableExecutor{}
}

func (e *VariableExecutor) Type() string {
	return "variable"
}

func (e *VariableExecutor) Execute(ctx context.Context, node *flowgraph.WorkflowNode, input map[string]any, ec *flowgraph.ExecutionContext) (map[string]any, error) {
	var params VariableParams
	if err := flowgraph.DecodeParameters(node.Parameters, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, fmt.Errorf("variable executor requires a 'name' parameter")
	}
	output := map[string]any{"name": params.Name, "value": params.Value}
	if previous, existed := ec.GetVariable(params.Name); existed {
		output["previous"] = previous
		output["existed"] = true
	}
	ec.SetVariable(params.Name, params.Value)
	return output, nil
}

// Compensate restores the variable to the value it held before this node
// ran.
func (e *VariableExecutor) Compensate(ctx context.Context, node *flowgraph.WorkflowNode, output map[string]any, ec *flowgraph.ExecutionContext) error {
	name, ok := output["name"].(string)
	if !ok || name == "" {
		return fmt.Errorf("no variable name recorded in output")
	}
	if existed, _ := output["existed"].(bool); existed {
		ec.SetVariable(name, output["previous"])
		return nil
	}
	ec.SetVariable(name, nil)
	return nil
}

var _ flowgraph.CompensatingExecutor = (*VariableExecutor)(nil)
