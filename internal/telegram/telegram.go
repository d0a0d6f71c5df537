// Package telegram sends run summaries to an operator chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/pipeline"
	"github.com/zarguell/tia-n-list-sub002/internal/retry"
)

const (
	DefaultBaseURL = "https://api.telegram.org"
	// Telegram rejects messages over 4096 characters.
	maxMessageLen = 4000
)

// Client posts messages through the Bot API.
type Client struct {
	baseURL string
	token   string
	chatID  string
	http    *http.Client
	policy  retry.Policy
	logger  *zap.Logger
}

type Option func(*Client)

// WithBaseURL points the client at another API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(token, chatID string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		chatID:  chatID,
		http:    &http.Client{Timeout: 30 * time.Second},
		policy:  retry.Policy{MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("telegram")
	return c
}

// apiError is a non-200 answer from the Bot API.
type apiError struct {
	Status      int
	Description string
}

func (e *apiError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram API error: status %d: %s", e.Status, e.Description)
	}
	return fmt.Sprintf("telegram API error: status %d", e.Status)
}

// retryable keeps trying on rate limits, server errors and transport failures.
func retryable(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// SendMessage sends an HTML message with link previews disabled.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	attempts, err := c.policy.Do(ctx, retryable, func(ctx context.Context, attempt int) error {
		err := c.sendOnce(ctx, text)
		if err != nil {
			c.logger.Warn("send failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", c.policy.Attempts()),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("can't send message: %w", err)
	}
	c.logger.Debug("message sent", zap.Int("attempts", attempts))
	return nil
}

func (c *Client) sendOnce(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)

	body, err := json.Marshal(map[string]any{
		"chat_id":                  c.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("error make JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var reply struct {
			Description string `json:"description"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &reply)
		return &apiError{Status: resp.StatusCode, Description: reply.Description}
	}
	return nil
}

// FormatSummary renders a run summary. At most maxItems generated entries are listed.
func FormatSummary(sum *pipeline.Summary, maxItems int) string {
	var b strings.Builder

	b.WriteString("🛡 <b>Threat intel run</b>\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "Run <code>%s</code>: <b>%s</b>\n", html.EscapeString(sum.RunID), sum.Outcome)
	fmt.Fprintf(&b, "Ingested %d, below threshold %d, duplicates %d, generated %d, failed %d\n\n",
		sum.Ingested, sum.Skipped, len(sum.Duplicates), len(sum.Generated), len(sum.Exhausted))

	if sum.Fatal != "" {
		fmt.Fprintf(&b, "⚠️ %s\n\n", html.EscapeString(sum.Fatal))
	}

	for i, g := range sum.Generated {
		if i >= maxItems {
			fmt.Fprintf(&b, "… and %d more\n", len(sum.Generated)-maxItems)
			break
		}
		entry := formatEntry(i+1, g)
		if b.Len()+len(entry) > maxMessageLen {
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}

func formatEntry(n int, g pipeline.Generated) string {
	var b strings.Builder

	title := html.EscapeString(g.Item.Title)
	if g.Item.Link != "" {
		fmt.Fprintf(&b, "<b>%d.</b> [%s] <a href=\"%s\">%s</a>\n", n, g.TierName, html.EscapeString(g.Item.Link), title)
	} else {
		fmt.Fprintf(&b, "<b>%d.</b> [%s] %s\n", n, g.TierName, title)
	}
	fmt.Fprintf(&b, "%s\n\n", html.EscapeString(shorten(g.Output, 600)))
	return b.String()
}

// shorten cuts text to limit bytes at the last full sentence when there is one.
func shorten(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	cut := strings.ToValidUTF8(text[:limit], "")
	if i := strings.LastIndex(cut, "."); i > 0 {
		return cut[:i+1]
	}
	return cut + "..."
}
