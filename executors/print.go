package executors

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/deepnoodle-ai/flowgraph"
)

// PrintParams defines the parameters for the print executor.
type PrintParams struct {
	Message any `json:"message"`
}

// PrintExecutor writes a message to its output stream.
type PrintExecutor struct {
	out io.Writer
}

// NewPrintExecutor creates a print executor. A nil writer defaults to
// stdout.
func NewPrintExecutor(out io.Writer) *PrintExecutor {
	if out == nil {
		out = os.Stdout
	}
	return &PrintExecutor{out: out}
}

func (e *PrintExecutor) Type() string {
	return "print"
}

func (e *PrintExecutor) Execute(ctx context.Context, node *flowgraph.WorkflowNode, input map[string]any, ec *flowgraph.ExecutionContext) (map[string]any, error) {
	var params PrintParams
	if err := flowgraph.DecodeParameters(node.Parameters, &params); err != nil {
		return nil, err
	}
	if params.Message == nil {
		return nil, fmt.Errorf("print executor requires a 'message' parameter")
	}
	fmt.Fprintln(e.out, params.Message)
	return map[string]any{"printed": true}, nil
}
