package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarguell/tia-n-list-sub002/internal/news"
)

var now = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func item(fp string, entities ...string) news.Item {
	return news.Item{Fingerprint: fp, SourceID: "src", Title: "title " + fp, Body: "body", Entities: entities}
}

func newMemory(t *testing.T, store Store) *Memory {
	t.Helper()
	m, err := New(store, Config{}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return m
}

func fingerprints(items []news.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Fingerprint)
	}
	return out
}

func TestFilterFresh_FingerprintMatch(t *testing.T) {
	store := NewInMemoryStore(Record{RunID: "r1", Timestamp: now.Add(-time.Hour), ItemFingerprints: []string{"a", "b"}})
	m := newMemory(t, store)

	res, err := m.FilterFresh(context.Background(), []news.Item{item("a"), item("c"), item("b")})
	require.NoError(t, err)

	assert.Equal(t, []string{"c"}, fingerprints(res.Fresh))
	require.Len(t, res.Duplicates, 2)
	assert.Equal(t, ReasonFingerprint, res.Duplicates[0].Reason)
	assert.Equal(t, "r1", res.Duplicates[0].MatchedRunID)
	assert.Equal(t, 1, res.ActiveRecords)
}

func TestFilterFresh_Idempotent(t *testing.T) {
	store := NewInMemoryStore(Record{RunID: "r1", Timestamp: now.Add(-time.Hour), ItemFingerprints: []string{"a"}, EntityTokens: []string{"CVE-2025-1111"}})
	m := newMemory(t, store)
	items := []news.Item{item("a"), item("b", "CVE-2025-1111"), item("c"), item("c")}

	first, err := m.FilterFresh(context.Background(), items)
	require.NoError(t, err)
	second, err := m.FilterFresh(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, Idle, m.State())

	records, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1, "filtering never writes")
}

func TestFilterFresh_WindowBoundary(t *testing.T) {
	exactly := Record{RunID: "old", Timestamp: now.Add(-7 * 24 * time.Hour), ItemFingerprints: []string{"old-item"}}
	justInside := Record{RunID: "recent", Timestamp: now.Add(-7*24*time.Hour + time.Second), ItemFingerprints: []string{"recent-item"}}
	m := newMemory(t, NewInMemoryStore(exactly, justInside))

	res, err := m.FilterFresh(context.Background(), []news.Item{item("old-item"), item("recent-item")})
	require.NoError(t, err)

	assert.Equal(t, []string{"old-item"}, fingerprints(res.Fresh), "a record exactly one window old is expired")
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, "recent", res.Duplicates[0].MatchedRunID)
	assert.Equal(t, 1, res.ActiveRecords)
}

func TestFilterFresh_HighSpecificityEntity(t *testing.T) {
	m := newMemory(t, NewInMemoryStore(Record{
		RunID:        "r1",
		Timestamp:    now.Add(-24 * time.Hour),
		EntityTokens: []string{"CVE-2025-0282", "topic:ivanti"},
	}))

	res, err := m.FilterFresh(context.Background(), []news.Item{
		item("other-source-same-cve", "cve-2025-0282"),
		item("unrelated", "CVE-2025-9999"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"unrelated"}, fingerprints(res.Fresh))
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, ReasonEntity, res.Duplicates[0].Reason)
	assert.Equal(t, []string{"CVE-2025-0282"}, res.Duplicates[0].Tokens)
}

func TestFilterFresh_LowSpecificityThreshold(t *testing.T) {
	m := newMemory(t, NewInMemoryStore(
		Record{RunID: "r1", Timestamp: now.Add(-time.Hour), EntityTokens: []string{"topic:ivanti", "topic:ransomware"}},
		Record{RunID: "r2", Timestamp: now.Add(-time.Hour), EntityTokens: []string{"topic:lockbit"}},
	))

	res, err := m.FilterFresh(context.Background(), []news.Item{
		item("one-shared", "topic:ivanti"),
		item("spread-across-records", "topic:ransomware", "topic:lockbit"),
		item("two-shared", "topic:ivanti", "topic:ransomware", "topic:phishing"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"one-shared", "spread-across-records"}, fingerprints(res.Fresh))
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, ReasonTopicOverlap, res.Duplicates[0].Reason)
	assert.Equal(t, "r1", res.Duplicates[0].MatchedRunID)
	assert.ElementsMatch(t, []string{"topic:ivanti", "topic:ransomware"}, res.Duplicates[0].Tokens)
}

func TestFilterFresh_ConfigurableThreshold(t *testing.T) {
	store := NewInMemoryStore(Record{RunID: "r1", Timestamp: now.Add(-time.Hour), EntityTokens: []string{"topic:ivanti"}})
	m, err := New(store, Config{LowSpecificityThreshold: 1}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	res, err := m.FilterFresh(context.Background(), []news.Item{item("x", "topic:ivanti")})
	require.NoError(t, err)
	assert.Empty(t, res.Fresh)
}

func TestFilterFresh_BatchRepeat(t *testing.T) {
	m := newMemory(t, NewInMemoryStore())

	res, err := m.FilterFresh(context.Background(), []news.Item{item("a"), item("b"), item("a")})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, fingerprints(res.Fresh))
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, ReasonBatchRepeated, res.Duplicates[0].Reason)
}

func TestFilterFresh_BatchSharedEntity(t *testing.T) {
	m := newMemory(t, NewInMemoryStore())

	res, err := m.FilterFresh(context.Background(), []news.Item{
		item("vendor-advisory", "CVE-2025-0282", "topic:ivanti"),
		item("press-copy", "cve-2025-0282"),
		item("same-topic-only", "topic:ivanti"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"vendor-advisory", "same-topic-only"}, fingerprints(res.Fresh))
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, ReasonBatchEntity, res.Duplicates[0].Reason)
	assert.Equal(t, "vendor-advisory", res.Duplicates[0].MatchedRunID)
	assert.Equal(t, []string{"CVE-2025-0282"}, res.Duplicates[0].Tokens)
}

func TestFilterFresh_CorruptFailsClosed(t *testing.T) {
	store := NewInMemoryStore()
	store.LoadErr = fmt.Errorf("%w: unexpected end of JSON input", ErrMemoryCorrupt)
	m := newMemory(t, store)

	res, err := m.FilterFresh(context.Background(), []news.Item{item("a")})
	assert.ErrorIs(t, err, ErrMemoryCorrupt)
	assert.Empty(t, res.Fresh)
	assert.Equal(t, Idle, m.State())
}

func TestCommit_ThenFilteredOut(t *testing.T) {
	store := NewInMemoryStore()
	m := newMemory(t, store)
	items := []news.Item{item("a", "CVE-2025-0001"), item("b")}

	require.NoError(t, m.Commit(context.Background(), CommitRequest{RunID: "run-1", Items: items, OutputLength: 42}))

	res, err := m.FilterFresh(context.Background(), items)
	require.NoError(t, err)
	assert.Empty(t, res.Fresh)

	records, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, now, records[0].Timestamp)
	assert.Equal(t, []string{"a", "b"}, records[0].ItemFingerprints)
	assert.Equal(t, []string{"CVE-2025-0001"}, records[0].EntityTokens)
	assert.Equal(t, 42, records[0].OutputLength)

	err = m.Commit(context.Background(), CommitRequest{RunID: "run-1", Items: items})
	assert.ErrorIs(t, err, ErrDuplicateRun)
	assert.ErrorIs(t, m.Commit(context.Background(), CommitRequest{}), ErrEmptyRunID)
}

type blockingStore struct {
	*InMemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Load(ctx context.Context) ([]Record, error) {
	close(s.entered)
	<-s.release
	return s.InMemoryStore.Load(ctx)
}

func TestMemory_BusyWhileFiltering(t *testing.T) {
	store := &blockingStore{InMemoryStore: NewInMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	m := newMemory(t, store)

	done := make(chan error, 1)
	go func() {
		_, err := m.FilterFresh(context.Background(), []news.Item{item("a")})
		done <- err
	}()

	<-store.entered
	assert.Equal(t, Filtering, m.State())
	assert.ErrorIs(t, m.Commit(context.Background(), CommitRequest{RunID: "r"}), ErrBusy)

	close(store.release)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, m.State())
}

func TestCommit_CancelledContext(t *testing.T) {
	store := NewInMemoryStore()
	m := newMemory(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Commit(ctx, CommitRequest{RunID: "r", Items: []news.Item{item("a")}}), context.Canceled)
	records, _ := store.Load(context.Background())
	assert.Empty(t, records)
}

func TestStatsPruneReset(t *testing.T) {
	store := NewInMemoryStore(
		Record{RunID: "ancient", Timestamp: now.Add(-40 * 24 * time.Hour), ItemFingerprints: []string{"x"}},
		Record{RunID: "recent", Timestamp: now.Add(-time.Hour), ItemFingerprints: []string{"y", "z"}, EntityTokens: []string{"CVE-2025-0001"}},
	)
	m := newMemory(t, store)

	st, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, 1, st.ActiveRecords)
	assert.Equal(t, 3, st.Fingerprints)
	assert.Equal(t, 1, st.EntityTokens)
	assert.Equal(t, now.Add(-40*24*time.Hour), st.Oldest)

	removed, err := m.Prune(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, m.Reset(context.Background()))
	st, err = m.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Records)
}

func TestIndex_LowOverlapPrefersStrongestRecord(t *testing.T) {
	matcher, err := news.NewTokenMatcher(nil)
	require.NoError(t, err)

	idx := NewIndex([]Record{
		{RunID: "weak", EntityTokens: []string{"topic:a"}},
		{RunID: "strong", EntityTokens: []string{"topic:a", "topic:b"}},
	}, matcher)

	run, shared := idx.LowOverlap([]string{"topic:a", "topic:b", "CVE-2025-0001"})
	assert.Equal(t, "strong", run)
	assert.Equal(t, []string{"topic:a", "topic:b"}, shared)

	run, shared = idx.LowOverlap([]string{"topic:zzz"})
	assert.Empty(t, run)
	assert.Nil(t, shared)
}
