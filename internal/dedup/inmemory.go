package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore keeps records in process. Used for dry runs and tests.
type InMemoryStore struct {
	mu      sync.Mutex
	records []Record
	// LoadErr, when set, is returned by Load.
	LoadErr error
}

func NewInMemoryStore(records ...Record) *InMemoryStore {
	return &InMemoryStore{records: append([]Record(nil), records...)}
}

func (s *InMemoryStore) Load(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	return append([]Record(nil), s.records...), nil
}

func (s *InMemoryStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.RunID == rec.RunID {
			return fmt.Errorf("%w: %s", ErrDuplicateRun, rec.RunID)
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	removed := 0
	for _, r := range s.records {
		if r.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

func (s *InMemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.LoadErr = nil
	return nil
}
