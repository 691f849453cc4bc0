package flowgraph

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ExecutionFormatter receives progress notifications for pretty output.
type ExecutionFormatter interface {
	PrintExecutionStart(def *WorkflowDefinition, executionID string)
	PrintNodeStart(node *WorkflowNode, attempt int)
	PrintNodeSuccess(node *WorkflowNode, state *NodeExecutionState)
	PrintNodeError(node *WorkflowNode, state *NodeExecutionState)
	PrintExecutionEnd(state *WorkflowState, metrics *ExecutionMetrics)
}

// ConsoleFormatter prints execution progress to a terminal. Colors are
// disabled automatically when the writer is not a tty.
type ConsoleFormatter struct {
	out     io.Writer
	success *color.Color
	failure *color.Color
	info    *color.Color
	dim     *color.Color
}

// NewConsoleFormatter creates a formatter writing to out. A nil writer
// defaults to stdout.
func NewConsoleFormatter(out io.Writer) *ConsoleFormatter {
	if out == nil {
		out = os.Stdout
	}
	f := &ConsoleFormatter{
		out:     out,
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed),
		info:    color.New(color.FgCyan),
		dim:     color.New(color.Faint),
	}
	if file, ok := out.(*os.File); !ok || !isatty.IsTerminal(file.Fd()) {
		for _, c := range []*color.Color{f.success, f.failure, f.info, f.dim} {
			c.DisableColor()
		}
	}
	return f
}

func (f *ConsoleFormatter) PrintExecutionStart(def *WorkflowDefinition, executionID string) {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	f.info.Fprintf(f.out, "Executing workflow %q (%d nodes)\n", name, len(def.Nodes))
	f.dim.Fprintf(f.out, "Execution ID: %s\n", executionID)
}

func (f *ConsoleFormatter) PrintNodeStart(node *WorkflowNode, attempt int) {
	if attempt > 0 {
		f.dim.Fprintf(f.out, "  %s (%s) retry %d\n", node.ID, node.Type, attempt)
		return
	}
	f.dim.Fprintf(f.out, "  %s (%s)\n", node.ID, node.Type)
}

func (f *ConsoleFormatter) PrintNodeSuccess(node *WorkflowNode, state *NodeExecutionState) {
	f.success.Fprintf(f.out, "  %s completed in %s\n", node.ID, state.ExecutionTime.Round(time.Millisecond))
}

func (f *ConsoleFormatter) PrintNodeError(node *WorkflowNode, state *NodeExecutionState) {
	f.failure.Fprintf(f.out, "  %s failed: %s\n", node.ID, state.Error)
}

func (f *ConsoleFormatter) PrintExecutionEnd(state *WorkflowState, metrics *ExecutionMetrics) {
	duration := state.EndTime.Sub(state.StartTime).Round(time.Millisecond)
	switch state.Status {
	case ExecutionStatusSuccess:
		f.success.Fprintf(f.out, "Execution succeeded in %s\n", duration)
	case ExecutionStatusCancelled:
		f.failure.Fprintf(f.out, "Execution cancelled after %s\n", duration)
	default:
		f.failure.Fprintf(f.out, "Execution failed after %s\n", duration)
	}
	if metrics != nil {
		fmt.Fprintf(f.out, "Nodes: %d completed, %d failed, %d skipped of %d\n",
			metrics.CompletedNodes, metrics.FailedNodes, metrics.SkippedNodes, metrics.TotalNodes)
	}
}

var _ ExecutionFormatter = (*ConsoleFormatter)(nil)
