package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
)

// WaitParams defines the parameters for the wait executor.
type WaitParams struct {
	Duration any `json:"duration"`
}

// WaitExecutor delays for a configured duration. The duration parameter
// accepts a Go duration string or a number of seconds.
type WaitExecutor struct{}

func NewWaitExecutor() *WaitExecutor {
	return &WaitExecutor{}
}

func (e *WaitExecutor) Type() string {
	return "wait"
}

func (e *WaitExecutor) InputSchema() flowgraph.Schema {
	return flowgraph.Schema{Fields: []flowgraph.SchemaField{
		{Name: "duration", Type: flowgraph.SchemaFieldAny, Required: true},
	}}
}

func (e *WaitExecutor) OutputSchema() flowgraph.Schema {
	return flowgraph.Schema{Fields: []flowgraph.SchemaField{
		{Name: "waited", Type: flowgraph.SchemaFieldString},
	}}
}

func (e *WaitExecutor) Execute(ctx context.Context, node *flowgraph.WorkflowNode, input map[string]any, ec *flowgraph.ExecutionContext) (map[string]any, error) {
	var params WaitParams
	if err := flowgraph.DecodeParameters(node.Parameters, &params); err != nil {
		return nil, err
	}
	duration, err := parseDuration(params.Duration)
	if err != nil {
		return nil, err
	}
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]any{"waited": duration.String()}, nil
}

func parseDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case nil:
		return 0, fmt.Errorf("wait executor requires a 'duration' parameter")
	case string:
		duration, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %w", err)
		}
		return duration, nil
	case float64:
		// Seconds
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, fmt.Errorf("duration must be a string or a number of seconds")
	}
}
