// Package mocks provides test doubles for the engine's collaborators:
// a scripted LLM provider, an in-memory Adapter, and canned tool handlers.
// All doubles are safe for concurrent use and support error injection.
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dossierbot/dossier/llm"
	"github.com/dossierbot/dossier/types"
)

// ErrScriptExhausted is returned when the provider runs out of scripted
// responses.
var ErrScriptExhausted = errors.New("mock provider: script exhausted")

// scriptStep is one scripted completion outcome.
type scriptStep struct {
	content string
	err     error
}

// MockProvider replays a scripted sequence of completion outcomes, one per
// call, in order. Build the script with WithResponse and WithError; requests
// are recorded for assertion.
type MockProvider struct {
	mu sync.Mutex

	name   string
	script []scriptStep
	cursor int

	// Fallback returned once the script is exhausted; empty means
	// ErrScriptExhausted.
	fallback string

	requests []*llm.ChatRequest
}

// NewMockProvider creates an empty-scripted provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{name: "mock"}
}

// WithName sets the provider name.
func (p *MockProvider) WithName(name string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
	return p
}

// WithResponse appends a successful completion to the script.
func (p *MockProvider) WithResponse(content string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptStep{content: content})
	return p
}

// WithError appends a failing completion to the script.
func (p *MockProvider) WithError(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptStep{err: err})
	return p
}

// WithFallback sets the response returned after the script is exhausted.
func (p *MockProvider) WithFallback(content string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = content
	return p
}

// Completion implements llm.Provider.
func (p *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	if p.cursor >= len(p.script) {
		if p.fallback != "" {
			return p.response(p.fallback), nil
		}
		return nil, ErrScriptExhausted
	}
	step := p.script[p.cursor]
	p.cursor++
	if step.err != nil {
		return nil, step.err
	}
	return p.response(step.content), nil
}

// Stream implements llm.Provider by chunking the next scripted response.
func (p *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.Completion(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamChunk, 1)
	ch <- llm.StreamChunk{
		Provider:     p.name,
		Model:        resp.Model,
		Delta:        resp.Choices[0].Message,
		FinishReason: "stop",
	}
	close(ch)
	return ch, nil
}

// HealthCheck implements llm.Provider.
func (p *MockProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

// Name implements llm.Provider.
func (p *MockProvider) Name() string { return p.name }

// Calls returns the number of completion calls made.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns the recorded requests.
func (p *MockProvider) Requests() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *MockProvider) response(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Provider: p.name,
		Model:    "mock-model",
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      types.NewAssistantMessage(content),
		}},
		Usage:     llm.ChatUsage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
		CreatedAt: time.Now(),
	}
}

var _ llm.Provider = (*MockProvider)(nil)
