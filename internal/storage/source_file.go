package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/zarguell/tia-n-list-sub002/internal/scoring"
)

// SourceFile persists the source registry as a JSON array.
type SourceFile struct {
	path string
}

func NewSourceFile(path string) *SourceFile {
	return &SourceFile{path: path}
}

// Load returns the stored sources. A missing file is an empty registry.
func (sf *SourceFile) Load() ([]scoring.Source, error) {
	data, err := os.ReadFile(sf.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var sources []scoring.Source
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
	}
	return sources, nil
}

// Save replaces the stored registry atomically.
func (sf *SourceFile) Save(sources []scoring.Source) error {
	sorted := append([]scoring.Source(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	return writeFileAtomic(sf.path, data, nil)
}
