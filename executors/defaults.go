package executors

import (
	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/script"
)

// Defaults returns the built-in executor set, ready for registration.
func Defaults(compiler script.Compiler) []flowgraph.Executor {
	return []flowgraph.Executor{
		NewNoopExecutor(),
		NewPrintExecutor(nil),
		NewTimeExecutor(),
		NewWaitExecutor(),
		NewFailExecutor(),
		NewScriptExecutor(compiler),
		NewTransformExecutor(),
		NewVariableExecutor(),
		NewHTTPExecutor(nil),
	}
}
