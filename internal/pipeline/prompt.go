package pipeline

import (
	"fmt"
	"strings"

	"github.com/zarguell/tia-n-list-sub002/internal/news"
	"github.com/zarguell/tia-n-list-sub002/internal/tier"
)

// ArticleSeparator ends the instructions of a prompt. Everything after it is article text;
// the extractive provider summarizes only that part.
const ArticleSeparator = "\n---\n"

// maxArticleRunes bounds the article text sent to a provider.
const maxArticleRunes = 8000

var depthInstructions = map[tier.Tier]string{
	tier.T1: "Write a two or three sentence brief of the article for a security news digest.",
	tier.T2: "Summarize the article in one paragraph for security practitioners. Name the affected vendors, products and any CVE or advisory identifiers.",
	tier.T3: "Write a short analysis of the article: what happened, who and what is affected, severity, and the available fixes or mitigations.",
	tier.T4: "Write a complete threat intelligence note on the article: summary, affected products and versions, exploitation status, threat actor attribution if stated, indicators mentioned in the text, and recommended actions.",
}

// BuildPrompt renders the generation prompt for item at tier t. Deeper tiers ask for more
// analysis; the word target follows the token budget. The source is left out so syndicated
// copies of a story produce the same prompt.
func BuildPrompt(item news.Item, t tier.Tier, budget tier.Budget) string {
	instr, ok := depthInstructions[t]
	if !ok {
		instr = depthInstructions[tier.T4]
		if t < tier.T1 {
			instr = depthInstructions[tier.T1]
		}
	}

	var b strings.Builder
	b.WriteString("You are a threat intelligence analyst. ")
	b.WriteString(instr)
	if budget.MaxTokens > 0 {
		fmt.Fprintf(&b, " Keep it under %d words.", budget.MaxTokens*3/4)
	}
	b.WriteString(" Use only facts from the article. Reply in plain text without headings.\n\n")

	fmt.Fprintf(&b, "Title: %s\n", strings.TrimSpace(item.Title))
	if !item.Published.IsZero() {
		fmt.Fprintf(&b, "Published: %s\n", item.Published.UTC().Format("2006-01-02"))
	}
	if len(item.Entities) > 0 {
		fmt.Fprintf(&b, "Known entities: %s\n", strings.Join(item.Entities, ", "))
	}

	b.WriteString(ArticleSeparator)
	b.WriteString(truncateRunes(strings.TrimSpace(item.Body), maxArticleRunes))
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
