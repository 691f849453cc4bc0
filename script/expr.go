package script

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprCompiler is an alternative Compiler backed by expr-lang. It is a good
// fit when conditions should be simple, side-effect-free expressions rather
// than full scripts.
type ExprCompiler struct {
	options []expr.Option
}

// NewExprCompiler creates an expr-based compiler. Undefined variables are
// permitted so that the same expression can run against varying
// environments.
func NewExprCompiler(options ...expr.Option) *ExprCompiler {
	base := []expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	}
	return &ExprCompiler{options: append(base, options...)}
}

func (e *ExprCompiler) Compile(ctx context.Context, code string) (Script, error) {
	program, err := expr.Compile(code, e.options...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	return &exprScript{program: program}, nil
}

type exprScript struct {
	program *vm.Program
}

func (s *exprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	env := make(map[string]any, len(globals))
	for name, value := range globals {
		env[name] = value
	}
	out, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return &exprValue{value: out}, nil
}

type exprValue struct {
	value any
}

func (v *exprValue) Value() any {
	return v.value
}

func (v *exprValue) String() string {
	if s, ok := v.value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v.value)
}

func (v *exprValue) IsTruthy() bool {
	switch value := v.value.(type) {
	case nil:
		return false
	case bool:
		return value
	case int:
		return value != 0
	case int64:
		return value != 0
	case float64:
		return value != 0.0
	case string:
		return value != "" && value != "false"
	case []any:
		return len(value) > 0
	case map[string]any:
		return len(value) > 0
	default:
		return true
	}
}
