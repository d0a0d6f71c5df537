package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zarguell/tia-n-list-sub002/internal/fallback"
)

var errBlocked = errors.New("prompt blocked by safety filters")

type Gemini struct {
	name   string
	model  string
	client *genai.Client
}

func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{name: cfg.Name, model: cfg.Model, client: client}, nil
}

func (g *Gemini) Name() string { return g.name }

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string, budget fallback.Budget) (string, error) {
	model := g.client.GenerativeModel(g.model)
	if budget.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(budget.MaxTokens))
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classifyGemini(fmt.Errorf("failed to generate content: %w", err))
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", fallback.Permanent(fmt.Errorf("%w: %s", errBlocked, resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fallback.Permanent(errors.New("no response from Gemini"))
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// classifyGemini handles both REST (googleapi) and gRPC status errors.
func classifyGemini(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return ClassifyStatus(apiErr.Code, err)
	}

	if st, ok := status.FromError(errors.Unwrap(err)); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
			return fallback.Transient(err)
		default:
			return fallback.Permanent(err)
		}
	}

	return classifyTransport(err)
}
