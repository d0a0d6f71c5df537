// Package provider adapts concrete text-generation backends to fallback.Provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/fallback"
)

// Backend types.
const (
	TypeGemini     = "gemini"
	TypeOpenAI     = "openai"
	TypeGroq       = "groq"
	TypeMistral    = "mistral"
	TypeOpenRouter = "openrouter"
	TypeOllama     = "ollama"
	TypeExtractive = "extractive"
)

// Default endpoints of OpenAI-compatible backends.
var compatibleBaseURLs = map[string]string{
	TypeGroq:       "https://api.groq.com/openai/v1",
	TypeMistral:    "https://api.mistral.ai/v1",
	TypeOpenRouter: "https://openrouter.ai/api/v1",
}

var defaultModels = map[string]string{
	TypeGemini:     "gemini-1.5-flash",
	TypeOpenAI:     "gpt-4o-mini",
	TypeGroq:       "llama-3.1-8b-instant",
	TypeMistral:    "mistral-small-latest",
	TypeOpenRouter: "meta-llama/llama-3.1-8b-instruct",
	TypeOllama:     "llama3.1",
}

// ErrMissingAPIKey is returned for hosted backends configured without a key.
var ErrMissingAPIKey = errors.New("api key is required")

// Config describes one backend instance.
type Config struct {
	Name    string
	Type    string
	Model   string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New builds the provider described by cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (fallback.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	if cfg.Model == "" {
		cfg.Model = defaultModels[cfg.Type]
	}

	switch cfg.Type {
	case TypeGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%s: %w", cfg.Name, ErrMissingAPIKey)
		}
		return NewGemini(ctx, cfg)
	case TypeOpenAI, TypeGroq, TypeMistral, TypeOpenRouter:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%s: %w", cfg.Name, ErrMissingAPIKey)
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = compatibleBaseURLs[cfg.Type]
		}
		return NewOpenAI(cfg), nil
	case TypeOllama:
		return NewOllama(cfg)
	case TypeExtractive:
		return NewExtractive(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q for %s", cfg.Type, cfg.Name)
	}
}

// Close releases the provider's resources when it holds any.
func Close(p fallback.Provider) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ClassifyStatus maps an HTTP status to a transient or permanent failure.
// 408, 409, 425, 429 and 5xx are worth retrying; everything else is not.
func ClassifyStatus(code int, err error) error {
	if err == nil {
		err = fmt.Errorf("http status %d", code)
	}
	switch {
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooEarly,
		code >= 500:
		return fallback.Transient(err)
	default:
		return fallback.Permanent(err)
	}
}

// classifyTransport marks network-level failures as transient. Context errors are
// returned as they are so the chain can tell an attempt timeout from cancellation.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fallback.Transient(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fallback.Transient(err)
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "connection reset", "eof", "timeout", "temporarily unavailable"} {
		if strings.Contains(msg, hint) {
			return fallback.Transient(err)
		}
	}
	return fallback.Permanent(err)
}
