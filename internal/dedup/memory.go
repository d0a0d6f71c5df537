// Package dedup keeps a rolling-window memory of reported items so a run never
// re-surfaces content an earlier run already covered.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/news"
)

const (
	DefaultWindow                  = 7 * 24 * time.Hour
	DefaultLowSpecificityThreshold = 2
)

// State of the memory. Transitions: Idle -> Filtering -> Idle and Idle -> Committing -> Idle.
type State int

const (
	Idle State = iota
	Filtering
	Committing
)

func (s State) String() string {
	switch s {
	case Filtering:
		return "filtering"
	case Committing:
		return "committing"
	default:
		return "idle"
	}
}

// Reason tells why an item was dropped.
type Reason string

const (
	ReasonFingerprint   Reason = "fingerprint"
	ReasonEntity        Reason = "entity"
	ReasonTopicOverlap  Reason = "topic_overlap"
	ReasonBatchRepeated Reason = "batch_repeat"
	ReasonBatchEntity   Reason = "batch_entity"
)

// Duplicate is an item dropped by FilterFresh.
type Duplicate struct {
	Item   news.Item
	Reason Reason
	// RunID of the remembered report, or the fingerprint of the first occurrence
	// for in-batch repeats and in-batch entity matches.
	MatchedRunID string
	Tokens       []string
}

// FilterResult is the outcome of one FilterFresh call.
type FilterResult struct {
	Fresh         []news.Item
	Duplicates    []Duplicate
	ActiveRecords int
}

// CommitRequest describes a successful run to remember.
type CommitRequest struct {
	RunID        string
	Items        []news.Item
	OutputLength int
}

// Config tunes matching.
type Config struct {
	Window                  time.Duration
	LowSpecificityThreshold int
	HighSpecificity         *news.TokenMatcher
}

// Stats summarizes the stored records.
type Stats struct {
	Records       int
	ActiveRecords int
	Fingerprints  int
	EntityTokens  int
	Oldest        time.Time
	Newest        time.Time
	Window        time.Duration
}

// Memory is the rolling-window dedup memory.
type Memory struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
}

// Option configures a Memory.
type Option func(*Memory)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Memory) { m.logger = l }
}

// New creates a Memory over store.
func New(store Store, cfg Config, opts ...Option) (*Memory, error) {
	if store == nil {
		return nil, fmt.Errorf("dedup: store is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.LowSpecificityThreshold <= 0 {
		cfg.LowSpecificityThreshold = DefaultLowSpecificityThreshold
	}
	if cfg.HighSpecificity == nil {
		m, err := news.NewTokenMatcher(nil)
		if err != nil {
			return nil, err
		}
		cfg.HighSpecificity = m
	}

	mem := &Memory{
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(mem)
	}
	mem.logger = mem.logger.Named("dedup")
	return mem, nil
}

// State returns the current state.
func (m *Memory) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Memory) enter(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return fmt.Errorf("%w: %s in progress", ErrBusy, m.state)
	}
	m.state = s
	return nil
}

func (m *Memory) leave() {
	m.mu.Lock()
	m.state = Idle
	m.mu.Unlock()
}

// active returns the records younger than the window. A record exactly one window old
// is no longer active.
func (m *Memory) active(records []Record, now time.Time) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if now.Sub(r.Timestamp) < m.cfg.Window {
			out = append(out, r)
		}
	}
	return out
}

// FilterFresh splits items into fresh ones and duplicates of remembered reports. It never
// mutates the memory, so calling it twice on the same input gives the same result.
func (m *Memory) FilterFresh(ctx context.Context, items []news.Item) (FilterResult, error) {
	if err := m.enter(Filtering); err != nil {
		return FilterResult{}, err
	}
	defer m.leave()

	records, err := m.store.Load(ctx)
	if err != nil {
		return FilterResult{}, fmt.Errorf("load memory: %w", err)
	}

	active := m.active(records, m.now())
	idx := NewIndex(active, m.cfg.HighSpecificity)

	res := FilterResult{ActiveRecords: idx.Len()}
	firstSeen := make(map[string]struct{}, len(items))
	// high-specificity tokens of items already accepted in this batch
	batchEntities := make(map[string]string)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return FilterResult{}, err
		}

		tokens := news.NormalizeTokens(item.Entities)

		if _, seen := firstSeen[item.Fingerprint]; seen {
			res.Duplicates = append(res.Duplicates, Duplicate{Item: item, Reason: ReasonBatchRepeated, MatchedRunID: item.Fingerprint})
			continue
		}
		firstSeen[item.Fingerprint] = struct{}{}

		if run, ok := idx.HasFingerprint(item.Fingerprint); ok {
			res.Duplicates = append(res.Duplicates, Duplicate{Item: item, Reason: ReasonFingerprint, MatchedRunID: run})
			continue
		}

		if tok, run, ok := idx.HighOverlap(tokens); ok {
			res.Duplicates = append(res.Duplicates, Duplicate{Item: item, Reason: ReasonEntity, MatchedRunID: run, Tokens: []string{tok}})
			continue
		}

		if run, shared := idx.LowOverlap(tokens); len(shared) >= m.cfg.LowSpecificityThreshold {
			res.Duplicates = append(res.Duplicates, Duplicate{Item: item, Reason: ReasonTopicOverlap, MatchedRunID: run, Tokens: shared})
			continue
		}

		if tok, first, ok := batchHighOverlap(batchEntities, tokens); ok {
			res.Duplicates = append(res.Duplicates, Duplicate{Item: item, Reason: ReasonBatchEntity, MatchedRunID: first, Tokens: []string{tok}})
			continue
		}

		for _, tok := range tokens {
			if m.cfg.HighSpecificity.Match(tok) {
				if _, ok := batchEntities[tok]; !ok {
					batchEntities[tok] = item.Fingerprint
				}
			}
		}
		res.Fresh = append(res.Fresh, item)
	}

	m.logger.Debug("filtered batch",
		zap.Int("items", len(items)),
		zap.Int("fresh", len(res.Fresh)),
		zap.Int("duplicates", len(res.Duplicates)),
		zap.Int("active_records", res.ActiveRecords))

	return res, nil
}

func batchHighOverlap(seen map[string]string, tokens []string) (token, first string, ok bool) {
	for _, tok := range tokens {
		if fp, hit := seen[tok]; hit {
			return tok, fp, true
		}
	}
	return "", "", false
}

// Commit remembers the items of a successful run. It must be called once per run,
// after all generation finished.
func (m *Memory) Commit(ctx context.Context, req CommitRequest) error {
	if req.RunID == "" {
		return ErrEmptyRunID
	}
	if err := m.enter(Committing); err != nil {
		return err
	}
	defer m.leave()

	if err := ctx.Err(); err != nil {
		return err
	}

	rec := BuildRecord(req, m.now())
	if err := m.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("commit run %s: %w", req.RunID, err)
	}

	m.logger.Info("committed run to memory",
		zap.String("run_id", rec.RunID),
		zap.Int("items", len(rec.ItemFingerprints)),
		zap.Int("entities", len(rec.EntityTokens)))
	return nil
}

// BuildRecord turns a commit request into the record to persist.
func BuildRecord(req CommitRequest, at time.Time) Record {
	fps := make([]string, 0, len(req.Items))
	seen := make(map[string]struct{}, len(req.Items))
	var tokens []string
	for _, it := range req.Items {
		if _, dup := seen[it.Fingerprint]; !dup && it.Fingerprint != "" {
			seen[it.Fingerprint] = struct{}{}
			fps = append(fps, it.Fingerprint)
		}
		tokens = append(tokens, it.Entities...)
	}
	sort.Strings(fps)

	return Record{
		RunID:            req.RunID,
		Timestamp:        at.UTC(),
		ItemFingerprints: fps,
		EntityTokens:     news.NormalizeTokens(tokens),
		OutputLength:     req.OutputLength,
	}
}

// Stats reports on the stored records.
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	records, err := m.store.Load(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load memory: %w", err)
	}

	st := Stats{Records: len(records), Window: m.cfg.Window}
	fps := make(map[string]struct{})
	toks := make(map[string]struct{})
	for _, r := range records {
		if st.Oldest.IsZero() || r.Timestamp.Before(st.Oldest) {
			st.Oldest = r.Timestamp
		}
		if r.Timestamp.After(st.Newest) {
			st.Newest = r.Timestamp
		}
		for _, fp := range r.ItemFingerprints {
			fps[fp] = struct{}{}
		}
		for _, t := range r.EntityTokens {
			toks[t] = struct{}{}
		}
	}
	st.ActiveRecords = len(m.active(records, m.now()))
	st.Fingerprints = len(fps)
	st.EntityTokens = len(toks)
	return st, nil
}

// Prune deletes records older than maxAge.
func (m *Memory) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := m.enter(Committing); err != nil {
		return 0, err
	}
	defer m.leave()
	return m.store.Prune(ctx, m.now().Add(-maxAge))
}

// Reset discards all records.
func (m *Memory) Reset(ctx context.Context) error {
	if err := m.enter(Committing); err != nil {
		return err
	}
	defer m.leave()
	return m.store.Reset(ctx)
}
