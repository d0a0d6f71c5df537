// Package tier maps item scores onto ordered analysis tiers.
package tier

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Tier is an ordered analysis level. T0 receives no generation.
type Tier int

const (
	T0 Tier = iota
	T1
	T2
	T3
	T4
)

func (t Tier) String() string {
	return fmt.Sprintf("T%d", int(t))
}

// Budget is what a tier allows a provider to spend on one item.
type Budget struct {
	MaxTokens       int
	MaxDuration     time.Duration
	ExtractEntities bool
}

// Zero reports whether the budget allows no generation.
func (b Budget) Zero() bool {
	return b.MaxTokens <= 0
}

// Level is one configured tier: its inclusive lower score bound and its budget.
type Level struct {
	Name       string
	LowerBound int
	Budget     Budget
}

var (
	ErrNoLevels      = errors.New("tier: at least one level is required")
	ErrFirstNotZero  = errors.New("tier: the lowest level must start at 0")
	ErrNotIncreasing = errors.New("tier: lower bounds must be strictly increasing")
	ErrOutOfRange    = errors.New("tier: lower bounds must be within [0,100]")
)

// DefaultLevels returns the stock five-tier layout.
func DefaultLevels() []Level {
	return []Level{
		{Name: "T0", LowerBound: 0},
		{Name: "T1", LowerBound: 20, Budget: Budget{MaxTokens: 256, MaxDuration: 20 * time.Second}},
		{Name: "T2", LowerBound: 40, Budget: Budget{MaxTokens: 512, MaxDuration: 30 * time.Second, ExtractEntities: true}},
		{Name: "T3", LowerBound: 60, Budget: Budget{MaxTokens: 1024, MaxDuration: 45 * time.Second, ExtractEntities: true}},
		{Name: "T4", LowerBound: 80, Budget: Budget{MaxTokens: 2048, MaxDuration: 60 * time.Second, ExtractEntities: true}},
	}
}

// ValidateLevels checks that the lower bounds partition [0,100] with no gaps or overlaps.
func ValidateLevels(levels []Level) error {
	if len(levels) == 0 {
		return ErrNoLevels
	}
	if levels[0].LowerBound != 0 {
		return ErrFirstNotZero
	}
	for i, l := range levels {
		if l.LowerBound < 0 || l.LowerBound > 100 {
			return fmt.Errorf("%w: level %d has %d", ErrOutOfRange, i, l.LowerBound)
		}
		if i > 0 && l.LowerBound <= levels[i-1].LowerBound {
			return fmt.Errorf("%w: level %d (%d) after %d", ErrNotIncreasing, i, l.LowerBound, levels[i-1].LowerBound)
		}
	}
	return nil
}

// ViolationRecorder counts scores that had to be clamped.
type ViolationRecorder interface {
	Inc()
}

// Classifier assigns tiers. It is immutable and safe for concurrent use.
type Classifier struct {
	levels     []Level
	bounds     []int
	logger     *zap.Logger
	violations ViolationRecorder
}

// NewClassifier validates levels and builds a classifier. violations may be nil.
func NewClassifier(levels []Level, logger *zap.Logger, violations ViolationRecorder) (*Classifier, error) {
	if err := ValidateLevels(levels); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Classifier{
		levels:     append([]Level(nil), levels...),
		bounds:     make([]int, len(levels)),
		logger:     logger.Named("tier"),
		violations: violations,
	}
	for i, l := range levels {
		c.bounds[i] = l.LowerBound
	}
	return c, nil
}

// Classify returns the tier whose range contains score. Out-of-range scores are clamped
// and reported.
func (c *Classifier) Classify(score int) Tier {
	if score < 0 || score > 100 {
		c.logger.Warn("score outside [0,100], clamping",
			zap.Int("score", score))
		if c.violations != nil {
			c.violations.Inc()
		}
		if score < 0 {
			score = 0
		} else {
			score = 100
		}
	}

	// index of the first bound greater than score, minus one
	i := sort.Search(len(c.bounds), func(i int) bool { return c.bounds[i] > score })
	return Tier(i - 1)
}

// Budget returns the budget for t. Unknown tiers get the zero budget.
func (c *Classifier) Budget(t Tier) Budget {
	if int(t) < 0 || int(t) >= len(c.levels) {
		return Budget{}
	}
	return c.levels[t].Budget
}

// Name returns the configured name of t.
func (c *Classifier) Name(t Tier) string {
	if int(t) < 0 || int(t) >= len(c.levels) || c.levels[t].Name == "" {
		return t.String()
	}
	return c.levels[t].Name
}

// Levels returns a copy of the configured levels.
func (c *Classifier) Levels() []Level {
	return append([]Level(nil), c.levels...)
}
