package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/crawler"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
)

// Archiver copies each run's snapshot into a blob store keyed by run id.
type Archiver struct {
	store  crawler.BlobStore
	prefix string
	logger *zap.Logger
}

// NewArchiver builds an Archiver writing under prefix.
func NewArchiver(store crawler.BlobStore, prefix string, logger *zap.Logger) *Archiver {
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logging.OrNop(logger).Named("archive"),
	}
}

// ObjectPath returns the blob key used for runID.
func (a *Archiver) ObjectPath(runID string) string {
	return path.Join(a.prefix, runID+".json")
}

// Archive stores data and returns the blob URI.
func (a *Archiver) Archive(ctx context.Context, runID string, data []byte) (string, error) {
	if runID == "" {
		return "", errors.New("archive: run id is required")
	}
	uri, err := a.store.PutObject(ctx, a.ObjectPath(runID), "application/json", bytes.NewReader(data))
	if err != nil {
		metrics.ObserveSink("archive", "error")
		return "", fmt.Errorf("archive snapshot: %w", err)
	}
	metrics.ObserveSink("archive", "ok")
	a.logger.Info("snapshot archived", zap.String("run_id", runID), zap.String("uri", uri))
	return uri, nil
}
