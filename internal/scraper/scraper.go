// Package scraper fetches full article text for items whose feed entry only carries a teaser.
package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zarguell/tia-n-list-sub002/internal/news"
)

// Article is the extracted text of a page.
type Article struct {
	Title   string
	Content string
	URL     string
}

type Options struct {
	Concurrency int
	// MaxArticles caps the pages fetched per Enrich call.
	MaxArticles int
	// MinBody is the body length below which an item is enriched.
	MinBody   int
	Timeout   time.Duration
	UserAgent string
}

type Scraper struct {
	client *http.Client
	opts   Options
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; tia/1.0)"
	}
	return &Scraper{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger.Named("scraper"),
	}
}

// Extract downloads url and returns its article text.
func (s *Scraper) Extract(ctx context.Context, url string) (*Article, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error loading page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error parsing HTML: %w", err)
	}
	doc.Find("script, style, noscript, nav, footer, aside").Remove()

	content := cleanContent(extractContent(doc, url))
	if content == "" {
		return nil, fmt.Errorf("no article content in %s", url)
	}

	return &Article{
		Title:   extractTitle(doc),
		Content: content,
		URL:     url,
	}, nil
}

// Enrich replaces short bodies with the scraped article text. Items are returned in their
// original order; failures leave the item unchanged.
func (s *Scraper) Enrich(ctx context.Context, items []news.Item) []news.Item {
	out := append([]news.Item(nil), items...)

	var targets []int
	for i, it := range out {
		if it.Link == "" || it.BodyLength() >= s.opts.MinBody {
			continue
		}
		if s.opts.MaxArticles > 0 && len(targets) >= s.opts.MaxArticles {
			break
		}
		targets = append(targets, i)
	}
	if len(targets) == 0 {
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, i := range targets {
		g.Go(func() error {
			art, err := s.Extract(gctx, out[i].Link)
			if err != nil {
				s.logger.Debug("can't get article content", zap.String("url", out[i].Link), zap.Error(err))
				return nil
			}
			if len([]rune(art.Content)) > out[i].BodyLength() {
				out[i].Body = art.Content
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("enriched short items", zap.Int("attempted", len(targets)))
	return out
}

// Site-specific body selectors, tried before the generic ones.
var siteSelectors = map[string][]string{
	"bleepingcomputer.com": {".articleBody p"},
	"thehackernews.com":    {".articlebody p", "#articlebody p"},
	"securityweek.com":     {".zox-post-body p", ".article-content p"},
	"krebsonsecurity.com":  {".entry-content p"},
	"darkreading.com":      {".ArticleBase-BodyContent p"},
	"therecord.media":      {".article__content p", ".wysiwyg-parsed-content p"},
	"cisa.gov":             {".c-field--name-body p", ".l-full__main p"},
}

var genericSelectors = []string{
	"article p",
	".article-body p",
	".article-content p",
	".post-content p",
	".entry-content p",
	"main p",
	"#content p",
	"p",
}

func extractContent(doc *goquery.Document, url string) string {
	var selectors []string
	for host, sel := range siteSelectors {
		if strings.Contains(url, host) {
			selectors = append(selectors, sel...)
		}
	}
	selectors = append(selectors, genericSelectors...)

	for _, selector := range selectors {
		var paragraphs []string
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			text := strings.Join(strings.Fields(sel.Text()), " ")
			if len(text) > 20 {
				paragraphs = append(paragraphs, text)
			}
		})
		if len(paragraphs) >= 2 {
			return strings.Join(paragraphs, "\n\n")
		}
	}
	return ""
}

func extractTitle(doc *goquery.Document) string {
	for _, selector := range []string{"h1", ".article-title", ".entry-title", "title"} {
		if title := strings.TrimSpace(doc.Find(selector).First().Text()); title != "" {
			return title
		}
	}
	return ""
}

var junkIndicators = []string{
	"subscribe to", "sign up for", "newsletter", "cookie", "advertisement",
	"related:", "read more", "share this", "follow us", "all rights reserved",
}

const (
	maxContent = 6000
	keepUnder  = 5500
)

// cleanContent drops boilerplate paragraphs and bounds the length at a paragraph boundary.
func cleanContent(content string) string {
	var kept []string
	for _, p := range strings.Split(content, "\n\n") {
		p = strings.TrimSpace(p)
		if len(p) < 30 {
			continue
		}
		lower := strings.ToLower(p)
		junk := false
		for _, ind := range junkIndicators {
			if strings.Contains(lower, ind) {
				junk = true
				break
			}
		}
		if !junk {
			kept = append(kept, p)
		}
	}

	text := strings.Join(kept, "\n\n")
	if len(text) <= maxContent {
		return text
	}

	var selected []string
	total := 0
	for _, p := range kept {
		if total+len(p) >= keepUnder {
			break
		}
		selected = append(selected, p)
		total += len(p) + 2
	}
	if len(selected) == 0 {
		return string([]rune(text)[:keepUnder])
	}
	return strings.Join(selected, "\n\n")
}
