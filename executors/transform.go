package executors

import (
	"context"
	"fmt"

	"dario.cat/mergo"

	"github.com/deepnoodle-ai/flowgraph"
)

// TransformParams defines the parameters for the transform executor.
type TransformParams struct {
	// Set is merged over the input. Values here typically come from
	// ${...} template expressions resolved by the engine.
	Set map[string]any `json:"set"`

	// Pick restricts the output to the named keys. Empty means all.
	Pick []string `json:"pick"`

	// Drop removes the named keys from the output.
	Drop []string `json:"drop"`
}

// TransformExecutor reshapes data between nodes: merges static or templated
// values over the input, then picks or drops keys.
type TransformExecutor struct{}

func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{}
}

func (e *TransformExecutor) Type() string {
	return "transform"
}

func (e *TransformExecutor) Execute(ctx context.Context, node *flowgraph.WorkflowNode, input map[string]any, ec *flowgraph.ExecutionContext) (map[string]any, error) {
	var params TransformParams
	if err := flowgraph.DecodeParameters(node.Parameters, &params); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	if len(params.Set) > 0 {
		if err := mergo.Merge(&out, params.Set, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge values: %w", err)
		}
	}
	if len(params.Pick) > 0 {
		picked := make(map[string]any, len(params.Pick))
		for _, key := range params.Pick {
			if value, ok := out[key]; ok {
				picked[key] = value
			}
		}
		out = picked
	}
	for _, key := range params.Drop {
		delete(out, key)
	}
	return out, nil
}
