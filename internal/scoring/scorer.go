// Package scoring computes quality scores for sources and items.
//
// Both scores are integers in [0,100]. Scoring is pure: the same source, item and clock give
// the same result, so classification downstream is reproducible.
package scoring

import (
	"math"
	"time"

	"github.com/zarguell/tia-n-list-sub002/internal/news"
)

const (
	// NeutralScore is assigned to sources with too little history to judge.
	NeutralScore = 50

	DefaultHistoryLimit = 30
)

// Weights combine the three source quality signals. They should sum to 1.
type Weights struct {
	HitRate      float64 `koanf:"hit_rate" validate:"gte=0,lte=1"`
	Completeness float64 `koanf:"completeness" validate:"gte=0,lte=1"`
	Recency      float64 `koanf:"recency" validate:"gte=0,lte=1"`
}

// Config holds scoring constants.
type Config struct {
	Weights          Weights       `koanf:"weights"`
	MinObservations  int           `koanf:"min_observations" validate:"gte=0"`
	ReferenceLength  int           `koanf:"reference_length" validate:"gte=0"`
	RecencyHorizon   time.Duration `koanf:"recency_horizon"`
	FreshnessHorizon time.Duration `koanf:"freshness_horizon"`
	StaleCap         int           `koanf:"stale_cap" validate:"gte=0,lte=100"`
	StubRatio        float64       `koanf:"stub_ratio" validate:"gte=0,lte=1"`
	StubPenalty      int           `koanf:"stub_penalty" validate:"gte=0,lte=100"`
	EntityBoost      int           `koanf:"entity_boost" validate:"gte=0,lte=100"`
	MaxEntityBoost   int           `koanf:"max_entity_boost" validate:"gte=0,lte=100"`
	HistoryLimit     int           `koanf:"history_limit" validate:"gte=0"`
}

// DefaultConfig returns the stock scoring constants.
func DefaultConfig() Config {
	return Config{
		Weights:          Weights{HitRate: 0.5, Completeness: 0.3, Recency: 0.2},
		MinObservations:  5,
		ReferenceLength:  1200,
		RecencyHorizon:   168 * time.Hour,
		FreshnessHorizon: 72 * time.Hour,
		StaleCap:         10,
		StubRatio:        0.5,
		StubPenalty:      30,
		EntityBoost:      10,
		MaxEntityBoost:   20,
		HistoryLimit:     DefaultHistoryLimit,
	}
}

// Scorer computes source and item scores.
type Scorer struct {
	cfg       Config
	highValue *news.TokenMatcher
}

// NewScorer creates a scorer. highValue recognizes the entity tokens that earn a boost;
// nil disables the boost.
func NewScorer(cfg Config, highValue *news.TokenMatcher) *Scorer {
	return &Scorer{cfg: cfg, highValue: highValue}
}

// SourceScore rates a source from its hit rate, content completeness and ingestion recency.
func (s *Scorer) SourceScore(src Source, now time.Time) int {
	if src.Observed() < s.cfg.MinObservations {
		return NeutralScore
	}

	completeness := 0.0
	if s.cfg.ReferenceLength > 0 {
		completeness = math.Min(src.AvgLength()/float64(s.cfg.ReferenceLength), 1)
	}

	recency := 0.0
	if !src.LastSuccess.IsZero() && s.cfg.RecencyHorizon > 0 {
		age := now.Sub(src.LastSuccess)
		if age < 0 {
			age = 0
		}
		recency = math.Max(0, 1-float64(age)/float64(s.cfg.RecencyHorizon))
	}

	w := s.cfg.Weights
	raw := 100 * (w.HitRate*src.HitRate() + w.Completeness*completeness + w.Recency*recency)
	return clamp(int(math.Round(raw)))
}

// ItemScore adjusts the source score for one item.
func (s *Scorer) ItemScore(src Source, item news.Item, now time.Time) int {
	length := item.BodyLength()
	if length == 0 {
		return 0
	}

	score := s.SourceScore(src, now)

	ref := src.AvgLength()
	if ref <= 0 {
		ref = float64(s.cfg.ReferenceLength)
	}
	if float64(length) < s.cfg.StubRatio*ref {
		score -= s.cfg.StubPenalty
	}

	boost := 0
	for _, tok := range item.Entities {
		if s.highValue.Match(tok) {
			boost += s.cfg.EntityBoost
		}
	}
	if boost > s.cfg.MaxEntityBoost {
		boost = s.cfg.MaxEntityBoost
	}
	score += boost

	if !item.Published.IsZero() && s.cfg.FreshnessHorizon > 0 && now.Sub(item.Published) > s.cfg.FreshnessHorizon {
		if score > s.cfg.StaleCap {
			score = s.cfg.StaleCap
		}
	}

	return clamp(score)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
