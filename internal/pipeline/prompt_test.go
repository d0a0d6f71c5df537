package pipeline

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarguell/tia-n-list-sub002/internal/news"
	"github.com/zarguell/tia-n-list-sub002/internal/tier"
)

func TestBuildPrompt(t *testing.T) {
	item := news.Item{
		SourceID:  "feed",
		Title:     "  Exchange flaw exploited  ",
		Body:      "Attackers exploited CVE-2026-0001 in the wild.",
		Published: time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC),
		Entities:  []string{"CVE-2026-0001", "topic:exchange"},
	}

	p := BuildPrompt(item, tier.T3, tier.Budget{MaxTokens: 400})

	head, article, ok := strings.Cut(p, ArticleSeparator)
	require.True(t, ok)
	assert.Equal(t, item.Body, article)
	assert.Contains(t, head, "Title: Exchange flaw exploited\n")
	assert.Contains(t, head, "Published: 2026-03-09")
	assert.Contains(t, head, "Known entities: CVE-2026-0001, topic:exchange")
	assert.Contains(t, head, "Keep it under 300 words.")
	assert.Contains(t, head, depthInstructions[tier.T3])
	assert.NotContains(t, head, "feed")
}

func TestBuildPrompt_DepthFollowsTier(t *testing.T) {
	item := news.Item{Title: "t", Body: "b"}
	brief := BuildPrompt(item, tier.T1, tier.Budget{})
	full := BuildPrompt(item, tier.T4, tier.Budget{})

	assert.Contains(t, brief, depthInstructions[tier.T1])
	assert.Contains(t, full, depthInstructions[tier.T4])
	assert.NotContains(t, brief, "Keep it under")

	// tiers beyond the table use the deepest instructions
	assert.Contains(t, BuildPrompt(item, tier.Tier(7), tier.Budget{}), depthInstructions[tier.T4])
}

func TestBuildPrompt_TruncatesArticle(t *testing.T) {
	item := news.Item{Title: "t", Body: strings.Repeat("ж", maxArticleRunes+50)}
	_, article, _ := strings.Cut(BuildPrompt(item, tier.T2, tier.Budget{}), ArticleSeparator)
	assert.Equal(t, maxArticleRunes, len([]rune(article)))
}

func TestWriteReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	sum := &Summary{
		RunID:    "run-1",
		Started:  testNow,
		Outcome:  OutcomeGenerated,
		Ingested: 3,
		Generated: []Generated{{
			Scored:   Scored{Item: news.Item{Fingerprint: "fp1", SourceID: "feed", Title: "One"}, Score: 55, TierName: "T2"},
			Provider: "gemini",
			Output:   "text",
		}},
		Exhausted: []Failure{{
			Scored: Scored{Item: news.Item{Fingerprint: "fp2", Title: "Two"}, TierName: "T1"},
			Err:    errors.New("all providers failed"),
		}},
	}

	path, err := WriteReport(dir, sum)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var r Report
	require.NoError(t, json.Unmarshal(data, &r))
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, OutcomeGenerated, r.Outcome)
	require.Len(t, r.Entries, 1)
	assert.Equal(t, "gemini", r.Entries[0].Provider)
	assert.Equal(t, "T2", r.Entries[0].Tier)
	require.Len(t, r.Exhausted, 1)
	assert.Equal(t, "all providers failed", r.Exhausted[0].Error)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
