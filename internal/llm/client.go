// Package llm talks to the chat model that plans steps and proposes patches.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/marcus/greenloop/internal/config"
	"github.com/marcus/greenloop/internal/logging"
)

// ErrNoChoices is returned when the backend answers without a completion.
var ErrNoChoices = errors.New("model returned no choices")

// ChatRequest is a single system+user exchange.
type ChatRequest struct {
	Model       string
	System      string
	User        string
	Temperature float32
	JSON        bool // ask for a JSON object response
}

// ChatClient completes chat requests. Allows mocking in tests.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// OpenAIClient is a ChatClient for OpenAI and OpenAI-compatible servers
// such as Ollama's /v1 endpoint.
type OpenAIClient struct {
	client   *openai.Client
	limiter  *rate.Limiter
	provider string
	logger   *logging.Logger
}

// NewOpenAIClient creates a client from the llm config section.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.Provider == "ollama" {
		apiKey = "ollama"
	}
	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}

	return &OpenAIClient{
		client:   openai.NewClientWithConfig(oc),
		limiter:  rate.NewLimiter(limit, 1),
		provider: cfg.Provider,
		logger:   logging.Component("llm"),
	}
}

// Complete sends one chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	creq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: req.Temperature,
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		c.logger.WarnCtx("chat completion failed", map[string]any{"provider": c.provider, "model": req.Model, "error": err.Error()})
		return "", fmt.Errorf("%s chat completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	c.logger.DebugCtx("chat completion", map[string]any{
		"provider":      c.provider,
		"model":         req.Model,
		"duration_ms":   time.Since(start).Milliseconds(),
		"finish_reason": string(resp.Choices[0].FinishReason),
	})
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
