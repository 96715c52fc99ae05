// Package llm defines the language-model completion contract consumed by the
// reasoning engine. The engine treats providers as black boxes: malformed
// output, timeouts and provider-level errors are handled by the caller, not
// propagated as raw exceptions.
package llm

import (
	"context"
	"time"

	"github.com/dossierbot/dossier/types"
)

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	TraceID     string             `json:"trace_id,omitempty"`
	Model       string             `json:"model"`
	Messages    []types.Message    `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	Timeout     time.Duration      `json:"timeout,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// ChatUsage reports token accounting for a completion.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatChoice is a single completion candidate.
type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

// ChatResponse is a full (non-streaming) completion response.
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// StreamChunk is one increment of a streaming completion.
type StreamChunk struct {
	ID           string        `json:"id,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	Delta        types.Message `json:"delta"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *ChatUsage    `json:"usage,omitempty"`
	Err          *types.Error  `json:"error,omitempty"`
}

// HealthStatus reports the result of a provider health probe.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	ErrorRate float64       `json:"error_rate"`
}

// Provider is the unified LLM adapter interface. Implementations must be safe
// for concurrent use; the engine never holds provider-level state.
type Provider interface {
	// Completion issues a synchronous chat request and returns the full response.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming chat request and returns an incremental channel.
	// The channel is closed by the provider when the completion ends.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a lightweight liveness probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the provider's unique identifier.
	Name() string
}

// FirstChoice returns the first choice of a response, or a structured error
// when the provider returned none. Callers should prefer this over indexing
// Choices directly.
func FirstChoice(resp *ChatResponse) (ChatChoice, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return ChatChoice{}, types.NewError(types.ErrUpstreamError, "completion returned no choices")
	}
	return resp.Choices[0], nil
}
