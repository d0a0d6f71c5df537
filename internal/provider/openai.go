package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/zarguell/tia-n-list-sub002/internal/fallback"
)

// OpenAI talks to any backend exposing the OpenAI chat completions API.
type OpenAI struct {
	name   string
	model  string
	client *openai.Client
}

func NewOpenAI(cfg Config) *OpenAI {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		conf.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAI{name: cfg.Name, model: cfg.Model, client: openai.NewClientWithConfig(conf)}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Generate(ctx context.Context, prompt string, budget fallback.Budget) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.3,
	}
	if budget.MaxTokens > 0 {
		req.MaxTokens = budget.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAI(err)
	}

	if len(resp.Choices) == 0 {
		return "", fallback.Permanent(errors.New("no choices in completion response"))
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", fallback.Permanent(errors.New("completion rejected by content filter"))
	}
	return strings.TrimSpace(choice.Message.Content), nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ClassifyStatus(apiErr.HTTPStatusCode, fmt.Errorf("chat completion: %w", err))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ClassifyStatus(reqErr.HTTPStatusCode, fmt.Errorf("chat completion: %w", err))
	}
	return classifyTransport(err)
}
