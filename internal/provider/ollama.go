package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/zarguell/tia-n-list-sub002/internal/fallback"
)

const defaultOllamaURL = "http://localhost:11434"

// Ollama runs prompts against a local Ollama server.
type Ollama struct {
	name string
	llm  llms.Model
}

func NewOllama(cfg Config) (*Ollama, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}

	llm, err := ollama.New(ollama.WithModel(cfg.Model),
		ollama.WithServerURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return &Ollama{name: cfg.Name, llm: llm}, nil
}

func (o *Ollama) Name() string { return o.name }

func (o *Ollama) Generate(ctx context.Context, prompt string, budget fallback.Budget) (string, error) {
	var opts []llms.CallOption
	if budget.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(budget.MaxTokens))
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt, opts...)
	if err != nil {
		return "", classifyOllama(err)
	}
	return strings.TrimSpace(out), nil
}

// The ollama client reports HTTP failures only in the error text.
func classifyOllama(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "model") && strings.Contains(msg, "not found"):
		return fallback.Permanent(err)
	case strings.Contains(msg, "status code 5"), strings.Contains(msg, "status code: 5"),
		strings.Contains(msg, "429"), strings.Contains(msg, "server busy"):
		return fallback.Transient(err)
	}
	return classifyTransport(err)
}
