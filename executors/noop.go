// Package executors provides the built-in node executors: small
// integrations useful for assembling and testing workflows without any
// external services.
package executors

import (
	"context"

	"github.com/deepnoodle-ai/flowgraph"
)

// NoopExecutor passes its input through unchanged. Useful as a join point
// for parallel branches.
type NoopExecutor struct{}

func NewNoopExecutor() *NoopExecutor {
	return &NoopExecutor{}
}

func (e *NoopExecutor) Type() string {
	return "noop"
}

func (e *NoopExecutor) Execute(ctx context.Context, node *flowgraph.WorkflowNode, input map[string]any, ec *flowgraph.ExecutionContext) (map[string]any, error) {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out, nil
}
