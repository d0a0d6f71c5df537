package app

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/zarguell/tia-n-list-sub002/internal/dedup"
	"github.com/zarguell/tia-n-list-sub002/internal/pipeline"
	"github.com/zarguell/tia-n-list-sub002/internal/ratelimit"
	"github.com/zarguell/tia-n-list-sub002/internal/scoring"
)

var (
	headColor = color.New(color.FgCyan, color.Bold)
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func outcomeColor(o pipeline.Outcome) *color.Color {
	switch o {
	case pipeline.OutcomeGenerated:
		return okColor
	case pipeline.OutcomeFailed:
		return errColor
	default:
		return warnColor
	}
}

// PrintSummary writes a human-readable run summary with a preview of the first entries.
func PrintSummary(w io.Writer, res *Result, usage []ratelimit.Usage, preview int) {
	sum := res.Summary

	headColor.Fprintf(w, "Run %s\n", sum.RunID)
	fmt.Fprintf(w, "  outcome:     ")
	outcomeColor(sum.Outcome).Fprintf(w, "%s\n", sum.Outcome)
	fmt.Fprintf(w, "  ingested:    %d\n", sum.Ingested)
	fmt.Fprintf(w, "  skipped T0:  %d\n", sum.Skipped)
	fmt.Fprintf(w, "  duplicates:  %d\n", len(sum.Duplicates))
	fmt.Fprintf(w, "  fresh:       %d\n", len(sum.Fresh))
	fmt.Fprintf(w, "  generated:   %d\n", len(sum.Generated))
	if len(sum.Exhausted) > 0 {
		warnColor.Fprintf(w, "  exhausted:   %d\n", len(sum.Exhausted))
	}
	fmt.Fprintf(w, "  duration:    %s\n", sum.Duration.Round(time.Millisecond))
	if res.ReportPath != "" {
		fmt.Fprintf(w, "  report:      %s\n", res.ReportPath)
	}
	if sum.Fatal != "" {
		errColor.Fprintf(w, "  error:       %s\n", sum.Fatal)
	}

	for _, u := range usage {
		line := fmt.Sprintf("  provider %-12s %d requests", u.Provider, u.Used)
		if u.Max > 0 {
			line += fmt.Sprintf(" of %d", u.Max)
		}
		if u.Rejected > 0 {
			line += fmt.Sprintf(", %d over cap", u.Rejected)
		}
		dimColor.Fprintln(w, line)
	}

	for i, g := range sum.Generated {
		if i >= preview {
			break
		}
		fmt.Fprintln(w, "---")
		fmt.Fprintf(w, "[%s, score: %d, via %s] %s\n", g.TierName, g.Score, g.Provider, g.Item.Title)
		if g.Item.Link != "" {
			dimColor.Fprintln(w, g.Item.Link)
		}
		fmt.Fprintln(w, g.Output)
	}
	for _, f := range sum.Exhausted {
		warnColor.Fprintf(w, "skipped %q: %v\n", f.Item.Title, f.Err)
	}
}

// PrintStats writes memory statistics.
func PrintStats(w io.Writer, st dedup.Stats) {
	headColor.Fprintln(w, "Dedup memory")
	fmt.Fprintf(w, "  records:        %d (%d within the %s window)\n", st.Records, st.ActiveRecords, st.Window)
	fmt.Fprintf(w, "  fingerprints:   %d\n", st.Fingerprints)
	fmt.Fprintf(w, "  entity tokens:  %d\n", st.EntityTokens)
	if st.Records > 0 {
		fmt.Fprintf(w, "  oldest:         %s\n", st.Oldest.Format(time.RFC3339))
		fmt.Fprintf(w, "  newest:         %s\n", st.Newest.Format(time.RFC3339))
	}
}

// PrintSources writes the source registry.
func PrintSources(w io.Writer, sources []scoring.Source) {
	if len(sources) == 0 {
		warnColor.Fprintln(w, "no sources recorded yet")
		return
	}
	headColor.Fprintf(w, "%-32s %5s %8s %8s %10s  %s\n", "SOURCE", "SCORE", "SEEN", "HITRATE", "AVG LEN", "LAST SUCCESS")
	for _, s := range sources {
		last := "never"
		if !s.LastSuccess.IsZero() {
			last = s.LastSuccess.Format("2006-01-02 15:04")
		}
		c := okColor
		switch {
		case s.Score < 20:
			c = errColor
		case s.Score < 50:
			c = warnColor
		}
		fmt.Fprintf(w, "%-32s ", s.ID)
		c.Fprintf(w, "%5d", s.Score)
		fmt.Fprintf(w, " %8d %7.0f%% %10.0f  %s\n", s.Observed(), s.HitRate()*100, s.AvgLength(), last)
	}
}
