package dedup

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMemoryCorrupt means the persisted memory could not be read or parsed.
	// Runs must stop rather than treat everything as fresh.
	ErrMemoryCorrupt = errors.New("dedup memory is corrupt")

	// ErrBusy is returned when an operation is attempted while another one is in progress.
	ErrBusy = errors.New("dedup memory is busy")

	// ErrDuplicateRun is returned when a record for the same run ID already exists.
	ErrDuplicateRun = errors.New("run already committed")

	// ErrEmptyRunID is returned by Commit without a run ID.
	ErrEmptyRunID = errors.New("run id is required")
)

// Record is the memory of one completed run.
type Record struct {
	RunID            string
	Timestamp        time.Time
	ItemFingerprints []string
	EntityTokens     []string
	OutputLength     int
}

// Store persists records. Implementations must make Append atomic: after an interruption
// the store holds either the previous state or the previous state plus the record.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Append(ctx context.Context, rec Record) error
	Prune(ctx context.Context, before time.Time) (int, error)
	Reset(ctx context.Context) error
}
