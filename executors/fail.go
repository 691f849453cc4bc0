package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/retry"
)

// FailParams defines the parameters for the fail executor.
type FailParams struct {
	Message string `json:"message"`

	// Permanent marks the failure as non-retryable.
	Permanent bool `json:"permanent"`

	// SucceedAfter makes the node succeed once the attempt number reaches
	// this value, for exercising retry behavior.
	SucceedAfter int `json:"succeed_after"`
}

// FailExecutor fails on purpose. It exists for testing error policies and
// retry configuration.
type FailExecutor struct{}

func NewFailExecutor() *FailExecutor {
	return &FailExecutor{}
}

func (e *FailExecutor) Type() string {
	return "fail"
}

func (e *FailExecutor) Execute(ctx context.Context, node *flowgraph.WorkflowNode, input map[string]any, ec *flowgraph.ExecutionContext) (map[string]any, error) {
	var params FailParams
	if err := flowgraph.DecodeParameters(node.Parameters, &params); err != nil {
		return nil, err
	}
	message := params.Message
	if message == "" {
		message = "intentional failure"
	}
	if params.SucceedAfter > 0 {
		key := "fail.attempts." + node.ID
		attempts := 0
		if v, ok := ec.GetVariable(key); ok {
			if n, ok := v.(int); ok {
				attempts = n
			}
		}
		ec.SetVariable(key, attempts+1)
		if attempts >= params.SucceedAfter {
			return map[string]any{"attempts": attempts + 1}, nil
		}
	}
	err := fmt.Errorf("fail executor: %s", message)
	if params.Permanent {
		return nil, retry.Permanent(err)
	}
	return nil, err
}
