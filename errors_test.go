package flowgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngineErrorWrapping(t *testing.T) {
	original := errors.New("connection refused")
	err := NewNodeExecutionError("fetch", original)
	require.Equal(t, ErrorTypeNodeExecution, err.Type)
	require.Contains(t, err.Error(), "fetch")
	require.True(t, errors.Is(err, original))

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	require.Equal(t, "fetch", engineErr.Details)
}

func TestErrorTypeMatching(t *testing.T) {
	require.True(t, IsErrorType(NewValidationError("bad"), ErrorTypeValidation))
	require.False(t, IsErrorType(NewValidationError("bad"), ErrorTypeTimeout))
	require.False(t, IsErrorType(errors.New("plain"), ErrorTypeValidation))

	// Cycle errors are a specialization of validation errors.
	cycleErr := NewCyclicGraphError([]string{"a", "b", "a"})
	require.True(t, IsErrorType(cycleErr, ErrorTypeCyclicGraph))
	require.True(t, IsErrorType(cycleErr, ErrorTypeValidation))
	require.Contains(t, cycleErr.Cause, "a -> b -> a")
}

func TestRetryExhaustedError(t *testing.T) {
	cause := errors.New("still failing")
	err := NewRetryExhaustedError("flaky", 3, cause)
	require.Equal(t, ErrorTypeRetryExhausted, err.Type)
	require.Contains(t, err.Error(), "3 attempts")
	require.True(t, errors.Is(err, cause))
}

func TestClassifyError(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		classified := ClassifyError(context.DeadlineExceeded)
		require.Equal(t, ErrorTypeTimeout, classified.Type)
		require.True(t, errors.Is(classified, context.DeadlineExceeded))
	})

	t.Run("generic", func(t *testing.T) {
		cause := errors.New("something broke")
		classified := ClassifyError(cause)
		require.Equal(t, ErrorTypeNodeExecution, classified.Type)
		require.True(t, errors.Is(classified, cause))
	})

	t.Run("passthrough", func(t *testing.T) {
		original := NewSnapshotError("exec_1", errors.New("disk full"))
		require.Equal(t, original, ClassifyError(original))
	})
}
