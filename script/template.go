package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpression = regexp.MustCompile(`\${([^}]+)}`)

// Template is a string with embedded ${...} expressions, compiled once and
// evaluated against varying environments. Node parameters use templates to
// reference upstream input and execution variables.
type Template struct {
	raw   string
	parts []string
	codes []Script
}

// NewTemplate compiles all ${...} expressions in raw using the given
// compiler.
func NewTemplate(compiler Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}

	// Every ${ must be closed
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}

	matches := templateExpression.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return t, nil
	}

	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.parts = append(t.parts, raw[lastEnd:match[0]])
		}
		expression := raw[match[2]:match[3]]
		code, err := compiler.Compile(context.Background(), expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expression, err)
		}
		t.codes = append(t.codes, code)
		t.parts = append(t.parts, "") // placeholder for the evaluated result
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, raw[lastEnd:])
	}
	return t, nil
}

// IsStatic reports whether the template contains no expressions.
func (t *Template) IsStatic() bool {
	return len(t.codes) == 0
}

// Eval evaluates all embedded expressions and returns the joined string.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}
	parts := make([]string, len(t.parts))
	copy(parts, t.parts)

	next := 0
	for _, code := range t.codes {
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		for next < len(parts) && parts[next] != "" {
			next++
		}
		if next < len(parts) {
			parts[next] = result.String()
			next++
		}
	}
	return strings.Join(parts, ""), nil
}

// EvalValue evaluates the template. When the whole template is a single
// expression, the expression's native value is returned instead of its
// string form, so parameters can carry numbers, lists and maps.
func (t *Template) EvalValue(ctx context.Context, globals map[string]any) (any, error) {
	if len(t.codes) == 1 && len(t.parts) == 1 {
		result, err := t.codes[0].Evaluate(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		return result.Value(), nil
	}
	return t.Eval(ctx, globals)
}
