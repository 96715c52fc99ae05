package mocks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dossierbot/dossier/tools"
	"github.com/dossierbot/dossier/types"
)

// EchoToolSchema is a permissive test tool schema accepting a single string.
func EchoToolSchema(name string) types.ToolSchema {
	return types.ToolSchema{
		Name:        name,
		Description: "echoes its input back",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
		Version: "1.0.0",
	}
}

// RegisterEchoTool registers a tool that returns its input verbatim and
// counts invocations.
func RegisterEchoTool(r tools.Registry, name string) (*ToolRecorder, error) {
	rec := &ToolRecorder{}
	err := r.Register(name, EchoToolSchema(name), func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		rec.record(args)
		return args, nil
	})
	return rec, err
}

// RegisterFailingTool registers a tool whose handler always fails.
func RegisterFailingTool(r tools.Registry, name string) (*ToolRecorder, error) {
	rec := &ToolRecorder{}
	err := r.Register(name, EchoToolSchema(name), func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		rec.record(args)
		return nil, errors.New("tool deliberately failing")
	})
	return rec, err
}

// RegisterSlowTool registers a tool that blocks for delay before echoing,
// for timeout tests.
func RegisterSlowTool(r *tools.DefaultRegistry, name string, delay, timeout time.Duration) (*ToolRecorder, error) {
	rec := &ToolRecorder{}
	err := r.RegisterWithTimeout(name, EchoToolSchema(name), func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		rec.record(args)
		select {
		case <-time.After(delay):
			return args, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, timeout)
	return rec, err
}

// ToolRecorder counts and captures tool invocations.
type ToolRecorder struct {
	mu     sync.Mutex
	inputs []json.RawMessage
}

func (t *ToolRecorder) record(args json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, args)
}

// Calls returns the invocation count.
func (t *ToolRecorder) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inputs)
}

// Inputs returns the captured invocation inputs in order.
func (t *ToolRecorder) Inputs() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]json.RawMessage, len(t.inputs))
	copy(out, t.inputs)
	return out
}
