package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dossierbot/dossier/types"
)

// OpenAIConfig configures an OpenAI-compatible chat completions client. Any
// endpoint speaking the /v1/chat/completions dialect works (OpenAI, DeepSeek,
// local gateways).
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // default https://api.openai.com
	DefaultModel string
	Timeout      time.Duration // HTTP client timeout, default 60s
}

// OpenAIProvider implements Provider over the OpenAI-compatible HTTP API.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a client for an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "openai_provider")),
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		FinishReason string        `json:"finish_reason"`
		Message      types.Message `json:"message"`
		Delta        types.Message `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Completion implements Provider.
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := p.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out openAIResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decoding completion response").
			WithProvider(p.Name()).WithCause(err)
	}
	if out.Error != nil {
		return nil, types.NewError(types.ErrUpstreamError, out.Error.Message).WithProvider(p.Name())
	}

	resp := &ChatResponse{
		ID:        out.ID,
		Provider:  p.Name(),
		Model:     out.Model,
		Usage:     ChatUsage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens, TotalTokens: out.Usage.TotalTokens},
		CreatedAt: time.Now(),
	}
	for _, c := range out.Choices {
		resp.Choices = append(resp.Choices, ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      c.Message,
		})
	}
	return resp, nil
}

// Stream implements Provider using server-sent events.
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	body, err := p.do(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var out openAIResponse
			if err := json.Unmarshal([]byte(payload), &out); err != nil {
				p.logger.Warn("skipping malformed stream chunk", zap.Error(err))
				continue
			}
			for _, c := range out.Choices {
				chunk := StreamChunk{
					ID:           out.ID,
					Provider:     p.Name(),
					Model:        out.Model,
					Delta:        c.Delta,
					FinishReason: c.FinishReason,
				}
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// HealthCheck implements Provider with a models-list probe.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/v1/models"), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	return &HealthStatus{Healthy: resp.StatusCode == http.StatusOK, Latency: latency}, nil
}

func (p *OpenAIProvider) do(ctx context.Context, req *ChatRequest, stream bool) (io.ReadCloser, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	payload := openAIRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      stream,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/chat/completions"), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrUpstreamTimeout, "completion request timed out").
				WithProvider(p.Name()).WithRetryable(true).WithCause(err)
		}
		return nil, types.NewError(types.ErrUpstreamError, "completion request failed").
			WithProvider(p.Name()).WithRetryable(true).WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		defer resp.Body.Close()
		return nil, types.NewError(types.ErrRateLimited, "completion rate limited upstream").
			WithProvider(p.Name()).WithRetryable(true)
	case resp.StatusCode >= 500:
		defer resp.Body.Close()
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("completion returned HTTP %d", resp.StatusCode)).
			WithProvider(p.Name()).WithRetryable(true)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		defer resp.Body.Close()
		return nil, types.NewError(types.ErrUnauthorized, "completion rejected the API key").
			WithProvider(p.Name())
	default:
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("completion returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))).
			WithProvider(p.Name())
	}
}

func (p *OpenAIProvider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

var _ Provider = (*OpenAIProvider)(nil)
