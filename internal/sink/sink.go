// Package sink persists the catalog: the JSON snapshot the read path serves,
// timestamped JSON and workbook exports, snapshot archives and run
// notifications. Unlike extraction, every failure here is returned to the
// caller.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
)

// ImportRecord is one row of the append-only import audit log.
type ImportRecord struct {
	SourceFile    string    `json:"sourceFile"`
	PayloadDigest string    `json:"payloadDigest"`
	ImportedAt    time.Time `json:"importedAt"`
	RecordCount   int       `json:"recordCount"`
	InsertedCount int       `json:"insertedCount"`
	SkippedCount  int       `json:"skippedCount"`
}

// EventStore is a relational sink. Import inserts entries that are not
// already present and appends exactly one audit row per call.
type EventStore interface {
	Import(ctx context.Context, sourceFile, payloadDigest string, entries []catalog.Entry) (ImportRecord, error)
	Close() error
}

// AuditLog is implemented by stores that can list their import history.
type AuditLog interface {
	ImportLog(ctx context.Context) ([]ImportRecord, error)
}

// EncodeEntries renders entries as an indented JSON array without HTML
// escaping, so ticket links stay readable.
func EncodeEntries(entries []catalog.Entry) ([]byte, error) {
	if entries == nil {
		entries = []catalog.Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("encode entries: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFileAtomic replaces path with data through a temp file in the same
// directory, so readers never observe a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
