package executors

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
)

// TimeParams defines the parameters for the time executor.
type TimeParams struct {
	UTC    bool   `json:"utc"`
	Format string `json:"format"`
}

// TimeExecutor reports the current time.
type TimeExecutor struct{}

func NewTimeExecutor() *TimeExecutor {
	return &TimeExecutor{}
}

func (e *TimeExecutor) Type() string {
	return "time"
}

func (e *TimeExecutor) Execute(ctx context.Context, node *flowgraph.WorkflowNode, input map[string]any, ec *flowgraph.ExecutionContext) (map[string]any, error) {
	var params TimeParams
	if err := flowgraph.DecodeParameters(node.Parameters, &params); err != nil {
		return nil, err
	}
	now := time.Now()
	if params.UTC {
		now = now.UTC()
	}
	format := params.Format
	if format == "" {
		format = time.RFC3339
	}
	return map[string]any{
		"time": now.Format(format),
		"unix": now.Unix(),
	}, nil
}
