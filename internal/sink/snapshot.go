package sink

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/catalog/resolver"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
)

// Snapshot describes a written snapshot file.
type Snapshot struct {
	Path    string
	Entries []catalog.Entry
	Data    []byte
}

// SnapshotWriter writes the catalog snapshot the read path serves.
type SnapshotWriter struct {
	path       string
	merge      bool
	normalizer *catalog.Normalizer
	logger     *zap.Logger
}

// NewSnapshotWriter builds a writer for path. With merge set, entries
// already in the snapshot are kept and updated instead of replaced.
func NewSnapshotWriter(path string, merge bool, logger *zap.Logger) *SnapshotWriter {
	return &SnapshotWriter{
		path:       path,
		merge:      merge,
		normalizer: catalog.NewNormalizer(nil),
		logger:     logging.OrNop(logger).Named("snapshot"),
	}
}

// Write atomically replaces the snapshot with entries.
func (w *SnapshotWriter) Write(ctx context.Context, entries []catalog.Entry) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if w.path == "" {
		return Snapshot{}, errors.New("snapshot path is required")
	}
	out := catalog.Dedupe(entries)
	if w.merge {
		existing, err := w.readExisting()
		if err != nil {
			metrics.ObserveSink("snapshot", "error")
			return Snapshot{}, err
		}
		out = catalog.Merge(existing, out)
	}
	data, err := EncodeEntries(out)
	if err != nil {
		metrics.ObserveSink("snapshot", "error")
		return Snapshot{}, err
	}
	if err := writeFileAtomic(w.path, data, 0o644); err != nil {
		metrics.ObserveSink("snapshot", "error")
		return Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	metrics.ObserveSink("snapshot", "ok")
	w.logger.Info("snapshot written", zap.String("path", w.path), zap.Int("entries", len(out)), zap.Bool("merged", w.merge))
	return Snapshot{Path: w.path, Entries: out, Data: data}, nil
}

// readExisting loads the current snapshot for merging. A missing file merges
// with nothing; an unreadable one is an error so a merge never silently
// drops prior entries.
func (w *SnapshotWriter) readExisting() ([]catalog.Entry, error) {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot for merge: %w", err)
	}
	parsed, err := resolver.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot for merge: %w", err)
	}
	out := make([]catalog.Entry, 0, len(parsed))
	for _, e := range parsed {
		if ce, ok := w.normalizer.Canonicalize(e); ok {
			out = append(out, ce)
		}
	}
	return out, nil
}
