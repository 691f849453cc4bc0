package flowgraph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// Executor is a component capable of executing nodes of one declared type.
// Implementations hold the integration-specific logic; the engine only
// knows this contract, which is what lets new integrations ship
// independently of the orchestrator.
type Executor interface {
	// Type returns the node type this executor handles.
	Type() string

	// Execute runs a node with its resolved input and returns its output.
	Execute(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error)
}

// CompensatingExecutor is optionally implemented by executors whose effects
// can be undone. The rollback error policy invokes Compensate for nodes
// that already succeeded, in reverse completion order, best effort.
type CompensatingExecutor interface {
	Executor
	Compensate(ctx context.Context, node *WorkflowNode, output map[string]any, ec *ExecutionContext) error
}

// SchemaFieldType enumerates the value types a schema field may declare.
type SchemaFieldType string

const (
	SchemaFieldString  SchemaFieldType = "string"
	SchemaFieldNumber  SchemaFieldType = "number"
	SchemaFieldBoolean SchemaFieldType = "boolean"
	SchemaFieldObject  SchemaFieldType = "object"
	SchemaFieldArray   SchemaFieldType = "array"
	SchemaFieldAny     SchemaFieldType = "any"
)

// SchemaField declares one field of an executor's input or output.
type SchemaField struct {
	Name     string          `json:"name"`
	Type     SchemaFieldType `json:"type"`
	Required bool            `json:"required,omitempty"`
}

// Schema declares the shape of an executor's input or output data.
type Schema struct {
	Fields []SchemaField `json:"fields,omitempty"`
}

func (s Schema) validate() error {
	seen := map[string]bool{}
	for _, field := range s.Fields {
		if field.Name == "" {
			return fmt.Errorf("schema field name required")
		}
		if seen[field.Name] {
			return fmt.Errorf("duplicate schema field %q", field.Name)
		}
		seen[field.Name] = true
		switch field.Type {
		case SchemaFieldString, SchemaFieldNumber, SchemaFieldBoolean,
			SchemaFieldObject, SchemaFieldArray, SchemaFieldAny, "":
		default:
			return fmt.Errorf("schema field %q has unknown type %q", field.Name, field.Type)
		}
	}
	return nil
}

// SchemaProvider is optionally implemented by executors to declare their
// input and output schemas. Schemas are checked for well-formedness at
// registration time, not at call time.
type SchemaProvider interface {
	InputSchema() Schema
	OutputSchema() Schema
}

// Registry resolves node types to registered executors. It is constructed
// once at process start and injected into the engine; there is no ambient
// global registry.
type Registry struct {
	mutex     sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry holding the given executors.
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: map[string]Executor{}}
	for _, executor := range executors {
		if err := r.Register(executor); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an executor. Fails on duplicate types or malformed
// declared schemas.
func (r *Registry) Register(executor Executor) error {
	if executor == nil {
		return fmt.Errorf("executor required")
	}
	nodeType := executor.Type()
	if nodeType == "" {
		return fmt.Errorf("executor type required")
	}
	if provider, ok := executor.(SchemaProvider); ok {
		if err := provider.InputSchema().validate(); err != nil {
			return fmt.Errorf("invalid input schema for %q: %w", nodeType, err)
		}
		if err := provider.OutputSchema().validate(); err != nil {
			return fmt.Errorf("invalid output schema for %q: %w", nodeType, err)
		}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.executors[nodeType]; exists {
		return fmt.Errorf("executor already registered for type %q", nodeType)
	}
	r.executors[nodeType] = executor
	return nil
}

// Resolve returns the executor for a node type, or an UnknownNodeTypeError.
func (r *Registry) Resolve(nodeType string) (Executor, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	executor, ok := r.executors[nodeType]
	if !ok {
		return nil, NewUnknownNodeTypeError(nodeType)
	}
	return executor, nil
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	types := make([]string, 0, len(r.executors))
	for nodeType := range r.executors {
		types = append(types, nodeType)
	}
	sort.Strings(types)
	return types
}

// ExecutorFunc wraps a function for use as an Executor.
type ExecutorFunc struct {
	nodeType string
	fn       func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error)
}

// NewExecutorFunc returns an Executor backed by the given function.
func NewExecutorFunc(nodeType string, fn func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error)) *ExecutorFunc {
	return &ExecutorFunc{nodeType: nodeType, fn: fn}
}

func (e *ExecutorFunc) Type() string {
	return e.nodeType
}

func (e *ExecutorFunc) Execute(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
	return e.fn(ctx, node, input, ec)
}

// DecodeParameters decodes a node's parameter bag into a typed struct via a
// JSON round trip. Executors use this to avoid hand-rolled map plucking.
func DecodeParameters(params map[string]any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	return nil
}
