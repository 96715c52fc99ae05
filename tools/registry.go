// Package tools provides the tool registry consumed by the reasoning engine.
//
// A tool is a named handler with a JSON Schema describing its input. The
// registry is populated at startup and read-only afterwards, so it is safe to
// share across concurrent runs. Invocation validates input against the schema
// before the handler body runs, and wraps handler failures into a uniform
// error type: the engine never sees a tool's internal failure mode, only that
// it failed.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/dossierbot/dossier/types"
)

// Handler is the tool execution function signature.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ValidationError reports schema validation failure for a tool input,
// listing the offending fields. The tool body was not executed.
type ValidationError struct {
	Name   string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: input validation failed: %s", e.Name, strings.Join(e.Fields, "; "))
}

// ExecutionError wraps a failure raised by a tool handler.
type ExecutionError struct {
	Name  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: execution failed: %v", e.Name, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// NotFoundError reports a lookup for an unregistered tool.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %s not registered", e.Name)
}

// Spec binds a tool schema to its handler. Obtained from Registry.Resolve;
// Invoke validates then executes.
type Spec struct {
	Schema  types.ToolSchema
	Timeout time.Duration

	handler  Handler
	compiled *gojsonschema.Schema
	logger   *zap.Logger
}

// Validate checks input against the tool's JSON Schema without executing the
// handler. A nil return means the input is acceptable.
func (s *Spec) Validate(input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return &ValidationError{Name: s.Schema.Name, Fields: []string{"input is not valid JSON"}}
	}
	if s.compiled == nil {
		return nil
	}
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return &ValidationError{Name: s.Schema.Name, Fields: []string{err.Error()}}
	}
	if !result.Valid() {
		fields := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			fields = append(fields, re.String())
		}
		return &ValidationError{Name: s.Schema.Name, Fields: fields}
	}
	return nil
}

// Invoke validates input and runs the handler under the tool's timeout.
// Returns *ValidationError without touching the handler when input is
// malformed, and *ExecutionError when the handler fails or times out.
func (s *Spec) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if err := s.Validate(input); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	type outcome struct {
		res json.RawMessage
		err error
	}
	// Buffered so the goroutine can exit even when the timeout fires first.
	done := make(chan outcome, 1)

	go func() {
		res, err := s.handler(execCtx, input)
		select {
		case done <- outcome{res, err}:
		case <-execCtx.Done():
		}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			s.logger.Error("tool execution failed",
				zap.String("name", s.Schema.Name),
				zap.Error(out.err))
			return nil, &ExecutionError{Name: s.Schema.Name, Cause: out.err}
		}
		return out.res, nil
	case <-execCtx.Done():
		s.logger.Error("tool execution timeout",
			zap.String("name", s.Schema.Name),
			zap.Duration("timeout", s.Timeout))
		return nil, &ExecutionError{Name: s.Schema.Name, Cause: execCtx.Err()}
	}
}

// Registry maps tool names to Specs.
type Registry interface {
	Register(name string, schema types.ToolSchema, handler Handler) error
	Resolve(name string) (*Spec, error)
	List() []types.ToolSchema
	Has(name string) bool
}

// DefaultRegistry is the standard Registry implementation.
type DefaultRegistry struct {
	mu     sync.RWMutex
	specs  map[string]*Spec
	logger *zap.Logger
}

// NewDefaultRegistry creates an empty tool registry.
func NewDefaultRegistry(logger *zap.Logger) *DefaultRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultRegistry{
		specs:  make(map[string]*Spec),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register adds a tool. The schema's Parameters document is compiled once at
// registration; a schema that does not compile is a registration error, not a
// runtime one.
func (r *DefaultRegistry) Register(name string, schema types.ToolSchema, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", name)
	}
	if _, exists := r.specs[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	if schema.Name == "" {
		schema.Name = name
	}
	if schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", schema.Name, name)
	}

	var compiled *gojsonschema.Schema
	if len(schema.Parameters) > 0 {
		var err error
		compiled, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema.Parameters))
		if err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", name, err)
		}
	}

	r.specs[name] = &Spec{
		Schema:   schema,
		Timeout:  30 * time.Second,
		handler:  handler,
		compiled: compiled,
		logger:   r.logger,
	}
	r.logger.Info("tool registered", zap.String("name", name))
	return nil
}

// RegisterWithTimeout is Register with an explicit per-invocation timeout.
func (r *DefaultRegistry) RegisterWithTimeout(name string, schema types.ToolSchema, handler Handler, timeout time.Duration) error {
	if err := r.Register(name, schema, handler); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if timeout > 0 {
		r.specs[name].Timeout = timeout
	}
	return nil
}

// Resolve returns the Spec for name, or *NotFoundError.
func (r *DefaultRegistry) Resolve(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return spec, nil
}

// List returns the registered tool schemas, sorted by name for deterministic
// prompt assembly.
func (r *DefaultRegistry) List() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]types.ToolSchema, 0, len(r.specs))
	for _, spec := range r.specs {
		schemas = append(schemas, spec.Schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Has reports whether name is registered.
func (r *DefaultRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[name]
	return ok
}
