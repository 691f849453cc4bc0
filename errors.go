package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeValidation indicates a structurally invalid workflow
	// definition (malformed edge, duplicate node id, missing executor
	// wiring). Validation errors are raised synchronously at execution
	// start; the execution never reaches running.
	ErrorTypeValidation = "validation"

	// ErrorTypeCyclicGraph indicates the definition's edges form a cycle.
	ErrorTypeCyclicGraph = "cyclic_graph"

	// ErrorTypeUnknownNodeType indicates no executor is registered for a
	// node's declared type.
	ErrorTypeUnknownNodeType = "unknown_node_type"

	// ErrorTypeAdmissionDenied indicates the resource manager refused
	// capacity for a new execution. The caller may retry later.
	ErrorTypeAdmissionDenied = "admission_denied"

	// ErrorTypeNodeExecution indicates a single node's executor failed.
	// Recorded on the node state; drives retry and backoff; never
	// propagates past the engine boundary.
	ErrorTypeNodeExecution = "node_execution"

	// ErrorTypeTimeout indicates a node exceeded its configured timeout.
	// Treated identically to a node execution error for retry purposes.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeRetryExhausted is the terminal form of a node error once
	// max attempts is reached. Triggers the workflow's error policy.
	ErrorTypeRetryExhausted = "retry_exhausted"

	// ErrorTypeSnapshot indicates a persistence failure while
	// checkpointing. Logged and retried on the next interval, never fatal
	// to the running execution.
	ErrorTypeSnapshot = "snapshot"
)

// EngineError is a structured error with classification. It supports Go's
// error wrapping patterns with Unwrap().
type EngineError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

func (e *EngineError) Unwrap() error {
	return e.Wrapped
}

// NewValidationError returns a validation error for a structurally invalid
// workflow definition.
func NewValidationError(format string, args ...any) *EngineError {
	return &EngineError{Type: ErrorTypeValidation, Cause: fmt.Sprintf(format, args...)}
}

// NewCyclicGraphError returns a validation error naming the node ids that
// participate in a dependency cycle.
func NewCyclicGraphError(nodeIDs []string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeCyclicGraph,
		Cause:   fmt.Sprintf("workflow graph contains a cycle: %s", strings.Join(nodeIDs, " -> ")),
		Details: nodeIDs,
	}
}

// NewUnknownNodeTypeError returns an error for an unregistered node type.
func NewUnknownNodeTypeError(nodeType string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeUnknownNodeType,
		Cause:   fmt.Sprintf("no executor registered for node type %q", nodeType),
		Details: nodeType,
	}
}

// NewAdmissionDeniedError returns an error for a refused allocation.
func NewAdmissionDeniedError(workflowID, reason string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeAdmissionDenied,
		Cause:   fmt.Sprintf("execution of workflow %q denied: %s", workflowID, reason),
		Details: reason,
	}
}

// NewNodeExecutionError wraps an executor failure for a given node.
func NewNodeExecutionError(nodeID string, err error) *EngineError {
	return &EngineError{
		Type:    ErrorTypeNodeExecution,
		Cause:   fmt.Sprintf("node %q failed: %s", nodeID, err.Error()),
		Details: nodeID,
		Wrapped: err,
	}
}

// NewRetryExhaustedError marks a node error terminal after max attempts.
func NewRetryExhaustedError(nodeID string, attempts int, err error) *EngineError {
	return &EngineError{
		Type:    ErrorTypeRetryExhausted,
		Cause:   fmt.Sprintf("node %q failed after %d attempts: %s", nodeID, attempts, err.Error()),
		Details: nodeID,
		Wrapped: err,
	}
}

// NewSnapshotError wraps a persistence failure during checkpointing.
func NewSnapshotError(executionID string, err error) *EngineError {
	return &EngineError{
		Type:    ErrorTypeSnapshot,
		Cause:   fmt.Sprintf("snapshot failed for execution %q: %s", executionID, err.Error()),
		Details: executionID,
		Wrapped: err,
	}
}

// IsErrorType reports whether err carries the given classification. Cycle
// detection is a specialization of validation and matches both types.
func IsErrorType(err error, errorType string) bool {
	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		return false
	}
	if errorType == ErrorTypeValidation {
		return engineErr.Type == ErrorTypeValidation || engineErr.Type == ErrorTypeCyclicGraph
	}
	return engineErr.Type == errorType
}

// ClassifyError converts an arbitrary error into an EngineError. Timeouts
// are recognized; everything else defaults to a node execution error, which
// keeps unknown errors eligible for retries.
func ClassifyError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &EngineError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	return &EngineError{Type: ErrorTypeNodeExecution, Cause: err.Error(), Wrapped: err}
}
