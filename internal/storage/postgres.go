package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/dedup"
)

// memoryLockKey serializes memory writers across processes sharing one database.
const memoryLockKey int64 = 0x7469615f6d656d // "tia_mem"

const uniqueViolation = "23505"

// PostgresStore keeps the dedup memory in PostgreSQL. Every write runs in one
// transaction holding a transaction-level advisory lock.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
	qb     sq.StatementBuilderType
}

// NewPostgresStore connects and initializes the schema.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	store := &PostgresStore{
		db:     db,
		logger: logger.Named("postgres_store"),
		qb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store.logger.Info("postgres memory store connected")
	return store, nil
}

func (ps *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_reports (
		run_id TEXT PRIMARY KEY,
		reported_at TIMESTAMPTZ NOT NULL,
		item_fingerprints TEXT[] NOT NULL DEFAULT '{}',
		entity_tokens TEXT[] NOT NULL DEFAULT '{}',
		output_length INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_memory_reports_reported_at ON memory_reports(reported_at);
	`

	_, err := ps.db.ExecContext(ctx, schema)
	return err
}

// Load reads every stored record, oldest first.
func (ps *PostgresStore) Load(ctx context.Context) ([]dedup.Record, error) {
	query, args, err := ps.qb.
		Select("run_id", "reported_at", "item_fingerprints", "entity_tokens", "output_length").
		From("memory_reports").
		OrderBy("reported_at", "run_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build load query: %w", err)
	}

	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer rows.Close()

	var records []dedup.Record
	for rows.Next() {
		var r dedup.Record
		if err := rows.Scan(&r.RunID, &r.Timestamp, pq.Array(&r.ItemFingerprints), pq.Array(&r.EntityTokens), &r.OutputLength); err != nil {
			return nil, fmt.Errorf("%w: scan memory row: %v", dedup.ErrMemoryCorrupt, err)
		}
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return records, nil
}

// Append inserts rec in a single transaction.
func (ps *PostgresStore) Append(ctx context.Context, rec dedup.Record) error {
	query, args, err := ps.qb.
		Insert("memory_reports").
		Columns("run_id", "reported_at", "item_fingerprints", "entity_tokens", "output_length").
		Values(rec.RunID, rec.Timestamp.UTC(), pq.Array(nonNil(rec.ItemFingerprints)), pq.Array(nonNil(rec.EntityTokens)), rec.OutputLength).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	return ps.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", dedup.ErrDuplicateRun, rec.RunID)
			}
			return fmt.Errorf("insert memory record: %w", err)
		}
		return nil
	})
}

// Prune deletes records older than before.
func (ps *PostgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	query, args, err := ps.qb.
		Delete("memory_reports").
		Where(sq.Lt{"reported_at": before.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build prune: %w", err)
	}

	var removed int64
	err = ps.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("prune memory: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if removed > 0 {
		ps.logger.Info("pruned memory records", zap.Int64("removed", removed))
	}
	return int(removed), err
}

// Reset deletes all records.
func (ps *PostgresStore) Reset(ctx context.Context) error {
	return ps.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM memory_reports`)
		return err
	})
}

func (ps *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, memoryLockKey); err != nil {
		return fmt.Errorf("acquire memory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (ps *PostgresStore) Close() error {
	if ps.db != nil {
		return ps.db.Close()
	}
	return nil
}
