package app

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/config"
	"github.com/zarguell/tia-n-list-sub002/internal/dedup"
	"github.com/zarguell/tia-n-list-sub002/internal/news"
	"github.com/zarguell/tia-n-list-sub002/internal/storage"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openMemoryStore picks the dedup memory backend. The returned closer releases it.
func openMemoryStore(ctx context.Context, cfg config.MemoryConfig, logger *zap.Logger) (dedup.Store, io.Closer, error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN.Value(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres memory: %w", err)
		}
		logger.Info("using postgres memory store")
		return pg, pg, nil
	case "file", "":
		fs := storage.NewFileStore(cfg.Path, cfg.LockTimeout, logger)
		logger.Info("using file memory store", zap.String("path", fs.Path()))
		return fs, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// OpenMemory builds the dedup memory alone, for maintenance commands that must work even
// when no provider is usable.
func OpenMemory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dedup.Memory, io.Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	matcher, err := news.NewTokenMatcher(cfg.Memory.HighSpecificityPatterns)
	if err != nil {
		return nil, nil, err
	}
	store, closer, err := openMemoryStore(ctx, cfg.Memory, logger)
	if err != nil {
		return nil, nil, err
	}
	mem, err := dedup.New(store, dedup.Config{
		Window:                  cfg.Memory.Window(),
		LowSpecificityThreshold: cfg.Memory.LowSpecificityThreshold,
		HighSpecificity:         matcher,
	}, dedup.WithLogger(logger))
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return mem, closer, nil
}
