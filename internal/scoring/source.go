package scoring

import (
	"sort"
	"sync"
	"time"
)

// BatchStat is one ingestion batch as seen from a single source.
type BatchStat struct {
	At     time.Time `json:"at"`
	Seen   int       `json:"seen"`
	Passed int       `json:"passed"`
	AvgLen float64   `json:"avg_len"`
}

// Source is a content origin with its trailing batch history.
type Source struct {
	ID          string      `json:"id"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSuccess time.Time   `json:"last_success,omitempty"`
	History     []BatchStat `json:"history,omitempty"`
	Score       int         `json:"score"`
	Active      bool        `json:"active"`
}

// Observed returns the number of items seen across the trailing window.
func (s Source) Observed() int {
	n := 0
	for _, b := range s.History {
		n += b.Seen
	}
	return n
}

// HitRate is the fraction of observed items that survived tiering above T0.
func (s Source) HitRate() float64 {
	seen, passed := 0, 0
	for _, b := range s.History {
		seen += b.Seen
		passed += b.Passed
	}
	if seen == 0 {
		return 0
	}
	return float64(passed) / float64(seen)
}

// AvgLength is the item-weighted average body length over the trailing window.
func (s Source) AvgLength() float64 {
	seen := 0
	total := 0.0
	for _, b := range s.History {
		seen += b.Seen
		total += b.AvgLen * float64(b.Seen)
	}
	if seen == 0 {
		return 0
	}
	return total / float64(seen)
}

// Book is the registry of known sources. Sources are created on first sight and never removed.
type Book struct {
	mu      sync.Mutex
	sources map[string]*Source
	limit   int
}

// NewBook builds a registry from persisted sources. limit bounds the per-source history.
func NewBook(sources []Source, limit int) *Book {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	b := &Book{sources: make(map[string]*Source, len(sources)), limit: limit}
	for i := range sources {
		s := sources[i]
		b.sources[s.ID] = &s
	}
	return b
}

// Get returns the source for id, registering it when unknown.
func (b *Book) Get(id string, now time.Time) Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.ensure(id, now)
}

func (b *Book) ensure(id string, now time.Time) *Source {
	s, ok := b.sources[id]
	if !ok {
		s = &Source{ID: id, FirstSeen: now, Active: true}
		b.sources[id] = s
	}
	return s
}

// Observe appends a batch observation and recomputes the source score.
func (b *Book) Observe(id string, stat BatchStat, scorer *Scorer) Source {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.ensure(id, stat.At)
	s.History = append(s.History, stat)
	if len(s.History) > b.limit {
		s.History = append([]BatchStat(nil), s.History[len(s.History)-b.limit:]...)
	}
	if stat.Passed > 0 {
		s.LastSuccess = stat.At
	}
	s.Active = true
	s.Score = scorer.SourceScore(*s, stat.At)
	return *s
}

// Sources returns a snapshot sorted by ID.
func (b *Book) Sources() []Source {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Source, 0, len(b.sources))
	for _, s := range b.sources {
		cp := *s
		cp.History = append([]BatchStat(nil), s.History...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
