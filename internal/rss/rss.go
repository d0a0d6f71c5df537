// Package rss turns the configured feeds into news items.
package rss

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/zarguell/tia-n-list-sub002/internal/news"
)

// Feed is one configured feed. ID becomes the source ID of its items.
type Feed struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// UnmarshalYAML accepts either a bare URL or an {id, url} mapping.
func (f *Feed) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.URL = node.Value
		return nil
	}
	type plain Feed
	return node.Decode((*plain)(f))
}

// FeedsConfig is the feeds.yaml layout:
//
//	feeds:
//	  - https://example.com/rss
//	  - id: vendor-blog
//	    url: https://vendor.example/feed
type FeedsConfig struct {
	Feeds []Feed `yaml:"feeds"`
}

// LoadFeeds reads the feed list from a YAML file. Feeds without an ID are named after
// their host.
func LoadFeeds(path string) ([]Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg FeedsConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	feeds := make([]Feed, 0, len(cfg.Feeds))
	for _, fd := range cfg.Feeds {
		fd.URL = strings.TrimSpace(fd.URL)
		if fd.URL == "" {
			continue
		}
		if fd.ID == "" {
			fd.ID = hostOf(fd.URL)
		}
		feeds = append(feeds, fd)
	}
	return feeds, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Options limit what a fetch returns.
type Options struct {
	// MaxAge drops items published longer ago. Zero keeps everything.
	MaxAge time.Duration
	// MaxPerFeed keeps at most this many items per feed, newest first in feed order.
	MaxPerFeed int
	Timeout    time.Duration
	UserAgent  string
}

// ErrNoFeeds is returned when no feed could be read.
var ErrNoFeeds = errors.New("no feed could be fetched")

// Fetcher downloads and parses feeds.
type Fetcher struct {
	parser *gofeed.Parser
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewFetcher(opts Options, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tia/1.0 (+threat intel digest)"
	}
	parser := gofeed.NewParser()
	parser.UserAgent = opts.UserAgent
	return &Fetcher{parser: parser, opts: opts, logger: logger.Named("rss"), now: time.Now}
}

// FetchAll reads every feed. A failing feed is logged and skipped; the call fails only when
// none could be read.
func (f *Fetcher) FetchAll(ctx context.Context, feeds []Feed) ([]news.Item, error) {
	var all []news.Item
	ok := 0

	for _, fd := range feeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		items, err := f.Fetch(ctx, fd)
		if err != nil {
			f.logger.Warn("failed to fetch feed", zap.String("feed", fd.URL), zap.Error(err))
			continue
		}
		ok++
		all = append(all, items...)
		f.logger.Debug("loaded feed", zap.String("feed", fd.URL), zap.Int("items", len(items)))
	}

	f.logger.Info("processed feeds", zap.Int("ok", ok), zap.Int("total", len(feeds)), zap.Int("items", len(all)))
	if ok == 0 && len(feeds) > 0 {
		return nil, ErrNoFeeds
	}
	return all, nil
}

// Fetch reads a single feed.
func (f *Fetcher) Fetch(ctx context.Context, fd Feed) ([]news.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	feed, err := f.parser.ParseURLWithContext(fd.URL, ctx)
	if err != nil {
		return nil, err
	}

	source := fd.ID
	if source == "" {
		source = hostOf(fd.URL)
	}

	now := f.now()
	var items []news.Item
	for _, it := range feed.Items {
		if f.opts.MaxPerFeed > 0 && len(items) >= f.opts.MaxPerFeed {
			break
		}
		item := convert(source, it)
		if f.opts.MaxAge > 0 && !item.Published.IsZero() && now.Sub(item.Published) > f.opts.MaxAge {
			continue
		}
		items = append(items, item.Normalize())
	}
	return items, nil
}

func convert(source string, it *gofeed.Item) news.Item {
	body := it.Content
	if strings.TrimSpace(PlainText(body)) == "" {
		body = it.Description
	}

	item := news.Item{
		SourceID: source,
		GUID:     strings.TrimSpace(it.GUID),
		Title:    PlainText(it.Title),
		Link:     strings.TrimSpace(it.Link),
		Body:     PlainText(body),
	}
	switch {
	case it.PublishedParsed != nil:
		item.Published = it.PublishedParsed.UTC()
	case it.UpdatedParsed != nil:
		item.Published = it.UpdatedParsed.UTC()
	}
	return item
}

// PlainText strips markup from an HTML fragment and collapses whitespace.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
