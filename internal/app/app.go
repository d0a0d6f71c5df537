// Package app wires the configured components into a runnable instance.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/cache"
	"github.com/zarguell/tia-n-list-sub002/internal/config"
	"github.com/zarguell/tia-n-list-sub002/internal/dedup"
	"github.com/zarguell/tia-n-list-sub002/internal/fallback"
	"github.com/zarguell/tia-n-list-sub002/internal/metrics"
	"github.com/zarguell/tia-n-list-sub002/internal/news"
	"github.com/zarguell/tia-n-list-sub002/internal/pipeline"
	"github.com/zarguell/tia-n-list-sub002/internal/provider"
	"github.com/zarguell/tia-n-list-sub002/internal/ratelimit"
	"github.com/zarguell/tia-n-list-sub002/internal/rss"
	"github.com/zarguell/tia-n-list-sub002/internal/scoring"
	"github.com/zarguell/tia-n-list-sub002/internal/scraper"
	"github.com/zarguell/tia-n-list-sub002/internal/storage"
	"github.com/zarguell/tia-n-list-sub002/internal/telegram"
	"github.com/zarguell/tia-n-list-sub002/internal/tier"
)

// App is a fully wired instance. Build it once per process and Close it on exit.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	store       dedup.Store
	storeCloser io.Closer
	memory      *dedup.Memory

	sourceFile *storage.SourceFile
	sources    *scoring.Book
	scorer     *scoring.Scorer
	classifier *tier.Classifier

	providers []fallback.Provider
	limited   []*ratelimit.Limited
	chain     *fallback.Chain
	cache     *cache.Cache

	fetcher  *rss.Fetcher
	scraper  *scraper.Scraper
	notifier *telegram.Client
}

// Option adjusts an App before it is built. Tests use them to inject collaborators.
type Option func(*buildOptions)

type buildOptions struct {
	store     dedup.Store
	providers []fallback.ProviderSpec
	now       func() time.Time
}

// WithStore replaces the configured memory backend.
func WithStore(s dedup.Store) Option {
	return func(o *buildOptions) { o.store = s }
}

// WithProviders replaces the configured providers.
func WithProviders(specs ...fallback.ProviderSpec) Option {
	return func(o *buildOptions) { o.providers = specs }
}

func WithClock(now func() time.Time) Option {
	return func(o *buildOptions) { o.now = now }
}

// New builds the application from cfg.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	if bo.now == nil {
		bo.now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		now:     bo.now,
		cache:   cache.New(cfg.Chain.CacheTTL, 0),
	}

	matcher, err := news.NewTokenMatcher(cfg.Memory.HighSpecificityPatterns)
	if err != nil {
		return nil, err
	}
	a.scorer = scoring.NewScorer(cfg.Scoring, matcher)

	a.classifier, err = tier.NewClassifier(cfg.Levels(), logger, a.metrics.ScorerViolations)
	if err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}

	a.sourceFile = storage.NewSourceFile(cfg.Sources.Path)
	known, err := a.sourceFile.Load()
	if err != nil {
		return nil, err
	}
	a.sources = scoring.NewBook(known, cfg.Scoring.HistoryLimit)

	if bo.store != nil {
		a.store, a.storeCloser = bo.store, nopCloser{}
	} else {
		a.store, a.storeCloser, err = openMemoryStore(ctx, cfg.Memory, logger)
		if err != nil {
			return nil, err
		}
	}
	a.memory, err = dedup.New(a.store, dedup.Config{
		Window:                  cfg.Memory.Window(),
		LowSpecificityThreshold: cfg.Memory.LowSpecificityThreshold,
		HighSpecificity:         matcher,
	}, dedup.WithLogger(logger), dedup.WithClock(bo.now))
	if err != nil {
		a.Close()
		return nil, err
	}

	specs := bo.providers
	if specs == nil {
		specs, err = a.buildProviders(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.chain, err = fallback.NewChain(specs,
		fallback.WithLogger(logger),
		fallback.WithJitter(cfg.Chain.Jitter),
		fallback.WithAttemptHook(func(p, outcome string) {
			a.metrics.ProviderAttempts.WithLabelValues(p, outcome).Inc()
		}),
		fallback.WithSuccessHook(func(p string, d time.Duration) {
			a.metrics.Generations.WithLabelValues(p).Inc()
			a.metrics.GenerationDuration.WithLabelValues(p).Observe(d.Seconds())
		}),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("provider chain: %w", err)
	}
	logger.Info("provider chain ready", zap.Strings("order", a.chain.Providers()))

	a.fetcher = rss.NewFetcher(rss.Options{
		MaxAge:     cfg.Sources.MaxAge,
		MaxPerFeed: cfg.Sources.MaxPerFeed,
	}, logger)
	if cfg.Scrape.Enabled {
		a.scraper = scraper.New(scraper.Options{
			Concurrency: cfg.Scrape.Concurrency,
			MaxArticles: cfg.Scrape.MaxArticles,
			MinBody:     cfg.Scrape.MinBody,
			Timeout:     cfg.Scrape.Timeout,
		}, logger)
	}
	if cfg.Telegram.Enabled() {
		a.notifier = telegram.New(cfg.Telegram.Token.Value(), cfg.Telegram.ChatID, telegram.WithLogger(logger))
	}
	return a, nil
}

// buildProviders creates the configured backends behind their rate limits. Hosted
// backends without a key are skipped.
func (a *App) buildProviders(ctx context.Context) ([]fallback.ProviderSpec, error) {
	var specs []fallback.ProviderSpec
	for _, pc := range a.cfg.Providers {
		p, err := provider.New(ctx, pc.Backend(), a.logger)
		if errors.Is(err, provider.ErrMissingAPIKey) {
			a.logger.Warn("provider skipped, no API key",
				zap.String("provider", pc.Name),
				zap.String("api_key_env", pc.APIKeyEnv))
			continue
		}
		if err != nil {
			return nil, err
		}
		a.providers = append(a.providers, p)

		limited := ratelimit.Wrap(p, ratelimit.Limits{
			RPS:         pc.RPS,
			Burst:       pc.Burst,
			MaxRequests: pc.MaxRequests,
		}, a.logger)
		a.limited = append(a.limited, limited)

		specs = append(specs, fallback.ProviderSpec{
			Name:        pc.Name,
			Priority:    pc.Priority,
			MaxRetries:  pc.MaxRetries,
			BaseBackoff: pc.BaseBackoff,
			MaxBackoff:  pc.MaxBackoff,
			Provider:    limited,
		})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: every configured provider was skipped", fallback.ErrNoProviders)
	}
	return specs, nil
}

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Memory() *dedup.Memory { return a.memory }

// Sources returns the known sources with their current scores.
func (a *App) Sources() []scoring.Source {
	now := a.now()
	out := a.sources.Sources()
	for i := range out {
		out[i].Score = a.scorer.SourceScore(out[i], now)
	}
	return out
}

// Usage reports per-provider request consumption.
func (a *App) Usage() []ratelimit.Usage {
	out := make([]ratelimit.Usage, 0, len(a.limited))
	for _, l := range a.limited {
		out = append(out, l.Usage())
	}
	return out
}

// RunOptions select the input and mode of one run.
type RunOptions struct {
	// ItemsPath reads items from a JSON file instead of the configured feeds.
	ItemsPath string
	DryRun    bool
}

// Result is a finished run.
type Result struct {
	Summary    *pipeline.Summary
	ReportPath string
}

// Run collects items, runs the pipeline and persists what the run learned.
func (a *App) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	items, err := a.collect(ctx, opts.ItemsPath)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	pl, err := pipeline.New(pipeline.Deps{
		Scorer:     a.scorer,
		Sources:    a.sources,
		Classifier: a.classifier,
		Memory:     a.memory,
		Chain:      a.chain,
		Cache:      a.cache,
		Metrics:    a.metrics,
		Logger:     a.logger,
	}, pipeline.Options{
		Concurrency: a.cfg.Chain.Concurrency,
		DryRun:      opts.DryRun,
		Now:         a.now,
		BeforeCommit: func(_ context.Context, sum *pipeline.Summary) error {
			path, err := pipeline.WriteReport(a.cfg.Output.Dir, sum)
			if err != nil {
				return err
			}
			res.ReportPath = path
			return a.saveSources()
		},
	})
	if err != nil {
		return nil, err
	}

	sum, runErr := pl.Run(ctx, items)
	res.Summary = sum

	if sum.Outcome == pipeline.OutcomeNoFreshContent {
		if err := a.saveSources(); err != nil {
			return res, err
		}
	}

	a.notify(ctx, sum)
	return res, runErr
}

// saveSources persists the source registry. Runs that fail or stop early keep the
// previous file so retries do not count the same batch twice.
func (a *App) saveSources() error {
	if err := a.sourceFile.Save(a.sources.Sources()); err != nil {
		return fmt.Errorf("save sources: %w", err)
	}
	return nil
}

func (a *App) notify(ctx context.Context, sum *pipeline.Summary) {
	if a.notifier == nil {
		return
	}
	switch sum.Outcome {
	case pipeline.OutcomeCancelled, pipeline.OutcomeNoFreshContent, pipeline.OutcomeDryRun:
		return
	}
	if err := a.notifier.SendMessage(ctx, telegram.FormatSummary(sum, 5)); err != nil {
		a.logger.Warn("failed to send run summary", zap.Error(err))
		return
	}
	a.metrics.NotificationsSent.Inc()
}

func (a *App) collect(ctx context.Context, itemsPath string) ([]news.Item, error) {
	var items []news.Item
	if itemsPath != "" {
		loaded, err := LoadItems(itemsPath)
		if err != nil {
			return nil, err
		}
		items = loaded
	} else {
		feeds, err := rss.LoadFeeds(a.cfg.Sources.Feeds)
		if err != nil {
			return nil, fmt.Errorf("failed to load feeds list: %w", err)
		}
		items, err = a.fetcher.FetchAll(ctx, feeds)
		if err != nil {
			return nil, err
		}
	}
	a.logger.Info("collected items", zap.Int("items", len(items)))

	if a.scraper != nil {
		items = a.scraper.Enrich(ctx, items)
	}
	return items, nil
}

// LoadItems reads a JSON array of items.
func LoadItems(path string) ([]news.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	var items []news.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse items %s: %w", path, err)
	}
	return items, nil
}

// Close releases providers and the memory backend.
func (a *App) Close() error {
	var errs []error
	for _, p := range a.providers {
		if err := provider.Close(p); err != nil {
			errs = append(errs, err)
		}
	}
	if a.storeCloser != nil {
		if err := a.storeCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadSources reads the persisted source registry and scores it as of now.
func LoadSources(cfg *config.Config, now time.Time) ([]scoring.Source, error) {
	matcher, err := news.NewTokenMatcher(cfg.Memory.HighSpecificityPatterns)
	if err != nil {
		return nil, err
	}
	known, err := storage.NewSourceFile(cfg.Sources.Path).Load()
	if err != nil {
		return nil, err
	}
	scorer := scoring.NewScorer(cfg.Scoring, matcher)
	for i := range known {
		known[i].Score = scorer.SourceScore(known[i], now)
	}
	return known, nil
}
