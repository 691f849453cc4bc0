package script

import (
	"context"
)

// Value is the result of a script evaluation.
type Value interface {

	// Value returns the Go value for this value as an any
	Value() any

	// String returns the string representation of this value
	String() string

	// IsTruthy returns true if this value is truthy
	IsTruthy() bool
}

// Script is a compiled script that can be evaluated.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script. The engine uses it for edge
// conditions and ${...} parameter templates; which expression language sits
// behind it is the caller's choice.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}

// EvaluateCondition compiles and evaluates a boolean condition in one step.
func EvaluateCondition(ctx context.Context, compiler Compiler, condition string, globals map[string]any) (bool, error) {
	compiled, err := compiler.Compile(ctx, condition)
	if err != nil {
		return false, err
	}
	value, err := compiled.Evaluate(ctx, globals)
	if err != nil {
		return false, err
	}
	return value.IsTruthy(), nil
}
