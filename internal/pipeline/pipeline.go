// Package pipeline runs one batch through the decision core: score, classify, filter
// against the dedup memory, generate per item through the fallback chain, and commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zarguell/tia-n-list-sub002/internal/cache"
	"github.com/zarguell/tia-n-list-sub002/internal/dedup"
	"github.com/zarguell/tia-n-list-sub002/internal/fallback"
	"github.com/zarguell/tia-n-list-sub002/internal/metrics"
	"github.com/zarguell/tia-n-list-sub002/internal/news"
	"github.com/zarguell/tia-n-list-sub002/internal/scoring"
	"github.com/zarguell/tia-n-list-sub002/internal/tier"
)

// Outcome is the final state of a run.
type Outcome string

const (
	OutcomeGenerated      Outcome = "generated"
	OutcomeNoFreshContent Outcome = "no_fresh_content"
	OutcomeFailed         Outcome = "failed"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeDryRun         Outcome = "dry_run"
)

// ErrNothingGenerated is returned when fresh items existed but every one of them
// exhausted the provider chain.
var ErrNothingGenerated = errors.New("no fresh item could be generated")

// Memory is the part of the dedup memory a run uses.
type Memory interface {
	FilterFresh(ctx context.Context, items []news.Item) (dedup.FilterResult, error)
	Commit(ctx context.Context, req dedup.CommitRequest) error
}

// Generator produces text for one request.
type Generator interface {
	Execute(ctx context.Context, req fallback.Request) (fallback.Result, error)
}

// Deps are the collaborators of a Pipeline. Cache and Metrics may be nil.
type Deps struct {
	Scorer     *scoring.Scorer
	Sources    *scoring.Book
	Classifier *tier.Classifier
	Memory     Memory
	Chain      Generator
	Cache      *cache.Cache
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Options tune a run.
type Options struct {
	Concurrency int
	// DryRun stops after filtering: nothing is generated or committed.
	DryRun bool
	Now    func() time.Time
	NewID  func() string
	// BeforeCommit persists the run's output. It sees the summary with OutcomeGenerated
	// set; an error fails the run and the memory is not committed.
	BeforeCommit func(ctx context.Context, sum *Summary) error
}

type Pipeline struct {
	deps Deps
	opts Options
	log  *zap.Logger
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Scorer == nil:
		return nil, errors.New("pipeline: scorer is required")
	case deps.Sources == nil:
		return nil, errors.New("pipeline: source book is required")
	case deps.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case deps.Memory == nil:
		return nil, errors.New("pipeline: memory is required")
	case deps.Chain == nil:
		return nil, errors.New("pipeline: chain is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Pipeline{deps: deps, opts: opts, log: deps.Logger.Named("pipeline")}, nil
}

// Scored is an item after scoring and classification.
type Scored struct {
	Item     news.Item
	Score    int
	Tier     tier.Tier
	TierName string
	Budget   tier.Budget
}

// Generated is an item with its generated text.
type Generated struct {
	Scored
	Provider string
	Output   string
	Attempts int
	Cached   bool
}

// Failure is an item the chain could not generate.
type Failure struct {
	Scored
	Err error
}

// Summary reports what a run did.
type Summary struct {
	RunID      string
	Started    time.Time
	Duration   time.Duration
	Outcome    Outcome
	Ingested   int
	Skipped    int // T0, no generation
	Duplicates []dedup.Duplicate
	Fresh      []Scored
	Generated  []Generated
	Exhausted  []Failure
	Fatal      string
}

// OutputLength is the total length of the generated text.
func (s *Summary) OutputLength() int {
	n := 0
	for _, g := range s.Generated {
		n += len(g.Output)
	}
	return n
}

// Run processes one batch. The returned summary is never nil; the error is set for
// failed and cancelled runs.
func (p *Pipeline) Run(ctx context.Context, items []news.Item) (*Summary, error) {
	now := p.opts.Now()
	sum := &Summary{RunID: p.opts.NewID(), Started: now, Ingested: len(items)}
	log := p.log.With(zap.String("run_id", sum.RunID))

	err := p.run(ctx, log, now, items, sum)
	sum.Duration = p.opts.Now().Sub(now)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		sum.Outcome = OutcomeCancelled
		sum.Fatal = ctx.Err().Error()
	default:
		sum.Outcome = OutcomeFailed
		sum.Fatal = err.Error()
	}

	if m := p.deps.Metrics; m != nil {
		m.RecordRun(sum.RunID, string(sum.Outcome), sum.Duration, err)
	}

	fields := []zap.Field{
		zap.String("outcome", string(sum.Outcome)),
		zap.Int("ingested", sum.Ingested),
		zap.Int("skipped", sum.Skipped),
		zap.Int("duplicates", len(sum.Duplicates)),
		zap.Int("fresh", len(sum.Fresh)),
		zap.Int("generated", len(sum.Generated)),
		zap.Int("exhausted", len(sum.Exhausted)),
		zap.Duration("duration", sum.Duration),
	}
	if err != nil {
		log.Error("run finished with error", append(fields, zap.Error(err))...)
	} else {
		log.Info("run finished", fields...)
	}
	return sum, err
}

func (p *Pipeline) run(ctx context.Context, log *zap.Logger, now time.Time, items []news.Item, sum *Summary) error {
	candidates := p.classify(items, now, sum)

	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := p.deps.Memory.FilterFresh(ctx, itemsOf(candidates))
	if err != nil {
		return fmt.Errorf("filter fresh items: %w", err)
	}
	sum.Duplicates = res.Duplicates
	sum.Fresh = freshOf(candidates, res.Fresh)

	if m := p.deps.Metrics; m != nil {
		m.DuplicatesFiltered.Add(float64(len(res.Duplicates)))
		m.MemoryRecords.Set(float64(res.ActiveRecords))
	}

	for _, d := range res.Duplicates {
		log.Debug("dropped duplicate",
			zap.String("title", d.Item.Title),
			zap.String("reason", string(d.Reason)),
			zap.String("matched", d.MatchedRunID),
			zap.Strings("tokens", d.Tokens))
	}

	if len(sum.Fresh) == 0 {
		sum.Outcome = OutcomeNoFreshContent
		return nil
	}
	if p.opts.DryRun {
		sum.Outcome = OutcomeDryRun
		return nil
	}

	if err := p.generate(ctx, log, sum); err != nil {
		return err
	}
	if len(sum.Generated) == 0 {
		return ErrNothingGenerated
	}

	sum.Outcome = OutcomeGenerated
	sum.Duration = p.opts.Now().Sub(sum.Started)
	if p.opts.BeforeCommit != nil {
		if err := p.opts.BeforeCommit(ctx, sum); err != nil {
			return fmt.Errorf("persist run output: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err = p.deps.Memory.Commit(ctx, dedup.CommitRequest{
		RunID:        sum.RunID,
		Items:        generatedItems(sum.Generated),
		OutputLength: sum.OutputLength(),
	})
	if err != nil {
		return fmt.Errorf("commit memory: %w", err)
	}
	return nil
}

// classify scores and tiers every item, records per-source batch statistics and returns
// the items above T0 in input order.
func (p *Pipeline) classify(items []news.Item, now time.Time, sum *Summary) []Scored {
	type batch struct {
		seen, passed int
		totalLen     int
	}
	stats := make(map[string]*batch)
	var order []string

	var out []Scored
	for _, raw := range items {
		item := raw.Normalize()

		src := p.deps.Sources.Get(item.SourceID, now)
		score := p.deps.Scorer.ItemScore(src, item, now)
		t := p.deps.Classifier.Classify(score)
		budget := p.deps.Classifier.Budget(t)
		name := p.deps.Classifier.Name(t)

		if budget.ExtractEntities {
			found := news.ExtractEntities(item.Title + "\n" + item.Body)
			item.Entities = news.NormalizeTokens(append(item.Entities, found...))
		}

		b, ok := stats[item.SourceID]
		if !ok {
			b = &batch{}
			stats[item.SourceID] = b
			order = append(order, item.SourceID)
		}
		b.seen++
		b.totalLen += item.BodyLength()

		if m := p.deps.Metrics; m != nil {
			m.ItemsIngested.Inc()
			m.ItemsByTier.WithLabelValues(name).Inc()
		}

		if t == tier.T0 || budget.Zero() {
			sum.Skipped++
			continue
		}
		b.passed++
		out = append(out, Scored{Item: item, Score: score, Tier: t, TierName: name, Budget: budget})
	}

	for _, id := range order {
		b := stats[id]
		p.deps.Sources.Observe(id, scoring.BatchStat{
			At:     now,
			Seen:   b.seen,
			Passed: b.passed,
			AvgLen: float64(b.totalLen) / float64(b.seen),
		}, p.deps.Scorer)
	}
	return out
}

// generate runs the chain for every fresh item with bounded concurrency. Exhausted items
// are recorded and skipped; only cancellation aborts the batch.
func (p *Pipeline) generate(ctx context.Context, log *zap.Logger, sum *Summary) error {
	results := make([]*Generated, len(sum.Fresh))
	failures := make([]error, len(sum.Fresh))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for i, sc := range sum.Fresh {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			gen, err := p.generateOne(gctx, sc)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures[i] = err
				return nil
			}
			results[i] = gen
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, sc := range sum.Fresh {
		if results[i] != nil {
			sum.Generated = append(sum.Generated, *results[i])
			continue
		}
		sum.Exhausted = append(sum.Exhausted, Failure{Scored: sc, Err: failures[i]})

		var all *fallback.AllProvidersFailedError
		if errors.As(failures[i], &all) && p.deps.Metrics != nil {
			p.deps.Metrics.ChainExhausted.Inc()
		}
		log.Warn("item skipped, generation failed",
			zap.String("title", sc.Item.Title),
			zap.String("tier", sc.TierName),
			zap.Error(failures[i]))
	}
	return nil
}

func (p *Pipeline) generateOne(ctx context.Context, sc Scored) (*Generated, error) {
	prompt := BuildPrompt(sc.Item, sc.Tier, sc.Budget)

	key := cache.Key(prompt, sc.Budget.MaxTokens)
	if p.deps.Cache != nil {
		if e, ok := p.deps.Cache.Get(key); ok {
			if p.deps.Metrics != nil {
				p.deps.Metrics.CacheHits.Inc()
			}
			return &Generated{Scored: sc, Provider: e.Provider, Output: e.Output, Cached: true}, nil
		}
	}

	res, err := p.deps.Chain.Execute(ctx, fallback.Request{
		Prompt: prompt,
		Budget: fallback.Budget{MaxTokens: sc.Budget.MaxTokens, MaxDuration: sc.Budget.MaxDuration},
	})
	if err != nil {
		return nil, err
	}

	if p.deps.Cache != nil {
		p.deps.Cache.Set(key, cache.Entry{Provider: res.Provider, Output: res.Output})
	}
	return &Generated{Scored: sc, Provider: res.Provider, Output: res.Output, Attempts: res.Attempts}, nil
}

func itemsOf(scored []Scored) []news.Item {
	out := make([]news.Item, len(scored))
	for i, s := range scored {
		out[i] = s.Item
	}
	return out
}

// freshOf keeps the scored entries whose item survived filtering. Filtering preserves
// order and drops in-batch repeats after their first occurrence.
func freshOf(scored []Scored, fresh []news.Item) []Scored {
	out := make([]Scored, 0, len(fresh))
	j := 0
	for _, s := range scored {
		if j < len(fresh) && s.Item.Fingerprint == fresh[j].Fingerprint {
			out = append(out, s)
			j++
		}
	}
	return out
}

func generatedItems(gen []Generated) []news.Item {
	out := make([]news.Item, len(gen))
	for i, g := range gen {
		out[i] = g.Item
	}
	return out
}
