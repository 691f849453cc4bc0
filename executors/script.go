package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/script"
)

// ScriptParams defines the parameters for the script executor.
type ScriptParams struct {
	Code string `json:"code"`
}

// ScriptExecutor evaluates a script with the node's input and the
// execution variables in scope. The script's result becomes the node
// output: maps are returned as-is, everything else lands under "result".
type ScriptExecutor struct {
	compiler script.Compiler
}

// NewScriptExecutor creates a script executor. A nil compiler defaults to
// Risor.
func NewScriptExecutor(compiler script.Compiler) *ScriptExecutor {
	if compiler == nil {
		compiler = script.NewRisorCompiler(script.DefaultGlobals())
	}
	return &ScriptExecutor{compiler: compiler}
}

func (e *ScriptExecutor) Type() string {
	return "script"
}

func (e *ScriptExecutor) Execute(ctx context.Context, node *flowgraph.WorkflowNode, input map[string]any, ec *flowgraph.ExecutionContext) (map[string]any, error) {
	var params ScriptParams
	if err := flowgraph.DecodeParameters(node.Parameters, &params); err != nil {
		return nil, err
	}
	if params.Code == "" {
		return nil, fmt.Errorf("script executor requires a 'code' parameter")
	}

	compiled, err := e.compiler.Compile(ctx, params.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	variables := ec.Variables()
	if variables == nil {
		variables = map[string]any{}
	}
	result, err := compiled.Evaluate(ctx, map[string]any{
		"input":     input,
		"variables": variables,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}

	switch value := result.Value().(type) {
	case map[string]any:
		return value, nil
	case nil:
		return map[string]any{}, nil
	default:
		return map[string]any{"result": value}, nil
	}
}
