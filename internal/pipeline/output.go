package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Report is the JSON document written for downstream consumers of a run.
type Report struct {
	RunID      string         `json:"run_id"`
	Started    time.Time      `json:"started"`
	Outcome    Outcome        `json:"outcome"`
	Ingested   int            `json:"ingested"`
	Skipped    int            `json:"skipped"`
	Duplicates int            `json:"duplicates"`
	Entries    []ReportEntry  `json:"entries"`
	Exhausted  []ReportFailed `json:"exhausted,omitempty"`
}

type ReportEntry struct {
	Fingerprint string    `json:"fingerprint"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	Link        string    `json:"link,omitempty"`
	Published   time.Time `json:"published,omitempty"`
	Entities    []string  `json:"entities,omitempty"`
	Score       int       `json:"score"`
	Tier        string    `json:"tier"`
	Provider    string    `json:"provider"`
	Text        string    `json:"text"`
}

type ReportFailed struct {
	Fingerprint string `json:"fingerprint"`
	Title       string `json:"title"`
	Tier        string `json:"tier"`
	Error       string `json:"error"`
}

// NewReport builds the report of sum.
func NewReport(sum *Summary) Report {
	r := Report{
		RunID:      sum.RunID,
		Started:    sum.Started.UTC(),
		Outcome:    sum.Outcome,
		Ingested:   sum.Ingested,
		Skipped:    sum.Skipped,
		Duplicates: len(sum.Duplicates),
		Entries:    make([]ReportEntry, 0, len(sum.Generated)),
	}
	for _, g := range sum.Generated {
		r.Entries = append(r.Entries, ReportEntry{
			Fingerprint: g.Item.Fingerprint,
			SourceID:    g.Item.SourceID,
			Title:       g.Item.Title,
			Link:        g.Item.Link,
			Published:   g.Item.Published,
			Entities:    g.Item.Entities,
			Score:       g.Score,
			Tier:        g.TierName,
			Provider:    g.Provider,
			Text:        g.Output,
		})
	}
	for _, f := range sum.Exhausted {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		r.Exhausted = append(r.Exhausted, ReportFailed{
			Fingerprint: f.Item.Fingerprint,
			Title:       f.Item.Title,
			Tier:        f.TierName,
			Error:       msg,
		})
	}
	return r
}

// WriteReport writes <dir>/<runID>.json and returns its path.
func WriteReport(dir string, sum *Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	data, err := json.MarshalIndent(NewReport(sum), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	path := filepath.Join(dir, sum.RunID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}
