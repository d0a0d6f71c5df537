package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/dedup"
)

// memoryDocument is the on-disk layout of the dedup memory.
type memoryDocument struct {
	Reports           map[string]reportEntry `json:"reports"`
	MentionedItems    []string               `json:"mentioned_items"`
	MentionedEntities []string               `json:"mentioned_entities"`
}

type reportEntry struct {
	Timestamp        string   `json:"timestamp,omitempty"`
	ItemFingerprints []string `json:"item_fingerprints"`
	EntityTokens     []string `json:"entity_tokens"`
	OutputLength     int      `json:"output_length,omitempty"`
}

// FileStore keeps the dedup memory in a single JSON file. Writers hold an exclusive
// OS lock on a sidecar ".lock" file and replace the document atomically.
type FileStore struct {
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
	logger      *zap.Logger

	// beforeRename runs between the temp file sync and the rename. Tests use it to
	// simulate an interrupted commit.
	beforeRename func() error
}

// NewFileStore creates a store for path. The file is created on first commit.
func NewFileStore(path string, lockTimeout time.Duration, logger *zap.Logger) *FileStore {
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: lockTimeout,
		logger:      logger.Named("file_store"),
	}
}

// Path returns the memory file location.
func (fs *FileStore) Path() string {
	return fs.path
}

func (fs *FileStore) withLock(ctx context.Context, shared bool, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	lctx, cancel := context.WithTimeout(ctx, fs.lockTimeout)
	defer cancel()

	var locked bool
	var err error
	if shared {
		locked, err = fs.lock.TryRLockContext(lctx, 50*time.Millisecond)
	} else {
		locked, err = fs.lock.TryLockContext(lctx, 50*time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("lock memory file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock memory file: %w", dedup.ErrBusy)
	}
	defer func() {
		if err := fs.lock.Unlock(); err != nil {
			fs.logger.Warn("failed to release memory lock", zap.Error(err))
		}
	}()

	return fn()
}

// Load reads all records. Only a missing file is an empty memory; an empty or null
// document can only come from truncation and is reported as corrupt.
func (fs *FileStore) Load(ctx context.Context) ([]dedup.Record, error) {
	var records []dedup.Record
	err := fs.withLock(ctx, true, func() error {
		doc, err := fs.read()
		if err != nil {
			return err
		}
		records, err = doc.records()
		return err
	})
	return records, err
}

// Append adds rec and rewrites the document atomically.
func (fs *FileStore) Append(ctx context.Context, rec dedup.Record) error {
	return fs.withLock(ctx, false, func() error {
		doc, err := fs.read()
		if err != nil {
			return err
		}
		if _, exists := doc.Reports[rec.RunID]; exists {
			return fmt.Errorf("%w: %s", dedup.ErrDuplicateRun, rec.RunID)
		}

		doc.Reports[rec.RunID] = reportEntry{
			Timestamp:        rec.Timestamp.UTC().Format(time.RFC3339Nano),
			ItemFingerprints: nonNil(rec.ItemFingerprints),
			EntityTokens:     nonNil(rec.EntityTokens),
			OutputLength:     rec.OutputLength,
		}
		doc.rebuildMentions()
		return fs.write(doc)
	})
}

// Prune removes reports older than before.
func (fs *FileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	err := fs.withLock(ctx, false, func() error {
		doc, err := fs.read()
		if err != nil {
			return err
		}
		records, err := doc.records()
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.Timestamp.Before(before) {
				delete(doc.Reports, r.RunID)
				removed++
			}
		}
		if removed == 0 {
			return nil
		}
		doc.rebuildMentions()
		return fs.write(doc)
	})
	return removed, err
}

// Reset replaces the memory with an empty document, including a corrupt one.
func (fs *FileStore) Reset(ctx context.Context) error {
	return fs.withLock(ctx, false, func() error {
		return fs.write(&memoryDocument{Reports: map[string]reportEntry{}})
	})
}

func (fs *FileStore) read() (*memoryDocument, error) {
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return &memoryDocument{Reports: map[string]reportEntry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", dedup.ErrMemoryCorrupt, fs.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", dedup.ErrMemoryCorrupt, fs.path)
	}

	var doc *memoryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", dedup.ErrMemoryCorrupt, fs.path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s holds no document", dedup.ErrMemoryCorrupt, fs.path)
	}
	if doc.Reports == nil {
		doc.Reports = map[string]reportEntry{}
	}
	return doc, nil
}

func (fs *FileStore) write(doc *memoryDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	return writeFileAtomic(fs.path, data, fs.beforeRename)
}

func (doc *memoryDocument) records() ([]dedup.Record, error) {
	out := make([]dedup.Record, 0, len(doc.Reports))
	for runID, r := range doc.Reports {
		ts, err := reportTime(runID, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: report %q: %v", dedup.ErrMemoryCorrupt, runID, err)
		}
		out = append(out, dedup.Record{
			RunID:            runID,
			Timestamp:        ts,
			ItemFingerprints: r.ItemFingerprints,
			EntityTokens:     r.EntityTokens,
			OutputLength:     r.OutputLength,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// reportTime uses the stored timestamp, or the report key when it is itself a date.
func reportTime(key, stamp string) (time.Time, error) {
	if stamp != "" {
		return time.Parse(time.RFC3339Nano, stamp)
	}
	if ts, err := time.Parse(time.RFC3339Nano, key); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.DateOnly, key); err == nil {
		return ts, nil
	}
	return time.Time{}, errors.New("no timestamp")
}

func (doc *memoryDocument) rebuildMentions() {
	items := map[string]struct{}{}
	entities := map[string]struct{}{}
	for _, r := range doc.Reports {
		for _, fp := range r.ItemFingerprints {
			items[fp] = struct{}{}
		}
		for _, t := range r.EntityTokens {
			entities[t] = struct{}{}
		}
	}
	doc.MentionedItems = sortedKeys(items)
	doc.MentionedEntities = sortedKeys(entities)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
