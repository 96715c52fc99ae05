package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dossierbot/dossier/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      server.URL,
		DefaultModel: "gpt-4o",
	}, nil)
}

func TestCompletionHappyPath(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req["model"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "hello back"},
			}},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
		})
	})

	resp, err := provider.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hello")},
	})
	require.NoError(t, err)

	choice, err := FirstChoice(resp)
	require.NoError(t, err)
	assert.Equal(t, "hello back", choice.Message.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestCompletionServerErrorIsRetryable(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := provider.Completion(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
}

func TestCompletionClientErrorNotRetryable(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad request"}}`))
	})

	_, err := provider.Completion(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
}

func TestCompletionRateLimitedIsRetryable(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := provider.Completion(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
}

func TestCompletionBadKeyNotRetryable(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := provider.Completion(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
}

func TestStreamDeltas(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`data: {"id":"s1","model":"gpt-4o","choices":[{"delta":{"role":"assistant","content":"hel"}}]}`,
			`data: {"id":"s1","model":"gpt-4o","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte(c + "\n\n"))
		}
	})

	ch, err := provider.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)

	var content string
	var finish string
	for chunk := range ch {
		content += chunk.Delta.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	assert.Equal(t, "hello", content)
	assert.Equal(t, "stop", finish)
}

func TestHealthCheck(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	status, err := provider.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}

func TestFirstChoiceEmpty(t *testing.T) {
	_, err := FirstChoice(&ChatResponse{})
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))

	_, err = FirstChoice(nil)
	assert.Error(t, err)
}
