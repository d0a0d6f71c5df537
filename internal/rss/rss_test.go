package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarguell/tia-n-list-sub002/internal/news"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Advisories</title>
  <item>
    <title>Patch now: CVE-2026-1111</title>
    <link>https://www.example.com/a?utm_source=rss</link>
    <guid>adv-1</guid>
    <pubDate>Mon, 09 Mar 2026 10:00:00 GMT</pubDate>
    <description><![CDATA[<p>Vendor <b>fixed</b> a flaw.</p><script>track()</script>]]></description>
  </item>
  <item>
    <title>Old news</title>
    <link>https://www.example.com/b</link>
    <pubDate>Mon, 02 Feb 2026 10:00:00 GMT</pubDate>
    <description>Stale.</description>
  </item>
</channel>
</rss>`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/feed":
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte(sampleFeed))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestLoadFeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
feeds:
  - https://www.bleepingcomputer.com/feed/
  - id: cisa
    url: https://www.cisa.gov/news.xml
  - "  "
`), 0o600))

	feeds, err := LoadFeeds(path)
	require.NoError(t, err)
	assert.Equal(t, []Feed{
		{ID: "bleepingcomputer.com", URL: "https://www.bleepingcomputer.com/feed/"},
		{ID: "cisa", URL: "https://www.cisa.gov/news.xml"},
	}, feeds)

	_, err = LoadFeeds(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	srv := feedServer(t)
	defer srv.Close()

	f := NewFetcher(Options{MaxAge: 7 * 24 * time.Hour}, nil)
	f.now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }

	items, err := f.Fetch(context.Background(), Feed{ID: "adv", URL: srv.URL + "/feed"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	it := items[0]
	assert.Equal(t, "adv", it.SourceID)
	assert.Equal(t, "Patch now: CVE-2026-1111", it.Title)
	assert.Equal(t, "Vendor fixed a flaw.", it.Body)
	assert.Equal(t, news.Fingerprint("adv", "adv-1", ""), it.Fingerprint)
	assert.Equal(t, time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC), it.Published)
}

func TestFetchAll_SkipsBrokenFeeds(t *testing.T) {
	srv := feedServer(t)
	defer srv.Close()

	f := NewFetcher(Options{MaxPerFeed: 1}, nil)
	items, err := f.FetchAll(context.Background(), []Feed{
		{ID: "broken", URL: srv.URL + "/missing"},
		{ID: "adv", URL: srv.URL + "/feed"},
	})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = f.FetchAll(context.Background(), []Feed{{ID: "broken", URL: srv.URL + "/missing"}})
	assert.ErrorIs(t, err, ErrNoFeeds)
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "a b", PlainText("  a \n b "))
	assert.Equal(t, "Hello world & more", PlainText("<div>Hello <i>world</i> &amp; more<style>p{}</style></div>"))
	assert.Equal(t, "", PlainText(""))
}
