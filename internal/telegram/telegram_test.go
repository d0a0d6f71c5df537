package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarguell/tia-n-list-sub002/internal/news"
	"github.com/zarguell/tia-n-list-sub002/internal/pipeline"
	"github.com/zarguell/tia-n-list-sub002/internal/retry"
)

func noWait() retry.Policy {
	return retry.Policy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Sleep:      func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

func TestSendMessage_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)

		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "42", payload["chat_id"])
		assert.Equal(t, "HTML", payload["parse_mode"])

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New("TOKEN", "42", WithBaseURL(srv.URL), WithRetryPolicy(noWait()))
	require.NoError(t, c.SendMessage(context.Background(), "hello"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendMessage_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	c := New("TOKEN", "42", WithBaseURL(srv.URL), WithRetryPolicy(noWait()))
	err := c.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFormatSummary(t *testing.T) {
	sum := &pipeline.Summary{
		RunID:    "r-1",
		Outcome:  pipeline.OutcomeGenerated,
		Ingested: 12,
		Skipped:  2,
		Generated: []pipeline.Generated{
			{
				Scored: pipeline.Scored{Item: news.Item{Title: "Fix for <CVE-2026-1>", Link: "https://x.example/a"}, TierName: "T3"},
				Output: "First sentence. " + strings.Repeat("y", 700),
			},
			{Scored: pipeline.Scored{Item: news.Item{Title: "Second"}, TierName: "T1"}, Output: "ok"},
		},
	}

	msg := FormatSummary(sum, 1)
	assert.Contains(t, msg, "<code>r-1</code>: <b>generated</b>")
	assert.Contains(t, msg, "Ingested 12, below threshold 2, duplicates 0, generated 2, failed 0")
	assert.Contains(t, msg, `<a href="https://x.example/a">Fix for &lt;CVE-2026-1&gt;</a>`)
	assert.Contains(t, msg, "First sentence.\n")
	assert.NotContains(t, msg, "yyy")
	assert.Contains(t, msg, "and 1 more")
	assert.NotContains(t, msg, "Second")
	assert.LessOrEqual(t, len(msg), maxMessageLen)
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", shorten(" short ", 10))
	assert.Equal(t, "One.", shorten("One. Two three four", 10))
	assert.Equal(t, "abcde...", shorten("abcdefghij", 5))
}
