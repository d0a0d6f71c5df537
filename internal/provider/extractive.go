package provider

import (
	"context"
	"strings"

	"github.com/zarguell/tia-n-list-sub002/internal/fallback"
)

// ArticleSeparator divides instructions from article text in generated prompts.
// The extractive provider only reads what follows the last separator.
const ArticleSeparator = "\n---\n"

const minSentenceLen = 25

// Extractive is the last-resort provider: it picks leading sentences from the article
// text and never calls out to a network.
type Extractive struct {
	name string
}

func NewExtractive(name string) *Extractive {
	if name == "" {
		name = TypeExtractive
	}
	return &Extractive{name: name}
}

func (e *Extractive) Name() string { return e.name }

func (e *Extractive) Generate(ctx context.Context, prompt string, budget fallback.Budget) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text := prompt
	if i := strings.LastIndex(prompt, ArticleSeparator); i >= 0 {
		text = prompt[i+len(ArticleSeparator):]
	}
	return summarize(text, budget.MaxTokens), nil
}

// summarize keeps whole sentences of at least minSentenceLen characters until the rough
// character allowance of maxTokens (4 characters per token) is used.
func summarize(content string, maxTokens int) string {
	c := strings.Join(strings.Fields(content), " ")
	if c == "" {
		return "(no content)"
	}

	limit := 600
	if maxTokens > 0 {
		limit = maxTokens * 4
	}

	var picked []string
	used := 0
	for _, s := range strings.Split(c, ". ") {
		s = strings.TrimSpace(strings.TrimSuffix(s, "."))
		if len(s) < minSentenceLen {
			continue
		}
		if used+len(s) > limit && len(picked) > 0 {
			break
		}
		picked = append(picked, s)
		used += len(s) + 2
	}

	if len(picked) == 0 {
		r := []rune(c)
		if len(r) > 160 {
			return string(r[:160]) + "..."
		}
		return c
	}
	return strings.Join(picked, ". ") + "."
}
