// Package sqlstore is the SQLite relational sink: an events table that ignores
// repeated (url, event_time, artist) rows plus an append-only import log.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/clock/system"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
	"github.com/JakeFAU/concert-crawler/internal/sink"
)

// DefaultPath is where the database lives unless configured otherwise.
const DefaultPath = "data/concerts.db"

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id TEXT NOT NULL,
	source TEXT,
	artist TEXT,
	event_time TEXT,
	venue TEXT,
	price TEXT,
	url TEXT,
	tier INTEGER,
	scraped_at TEXT,
	source_file TEXT,
	raw_json TEXT,
	created_at TEXT DEFAULT (datetime('now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_unique ON events(url, event_time, artist);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
CREATE TABLE IF NOT EXISTS import_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_file TEXT NOT NULL,
	payload_digest TEXT,
	imported_at TEXT NOT NULL,
	record_count INTEGER,
	inserted_count INTEGER,
	skipped_count INTEGER
);
`

const insertEvent = `INSERT OR IGNORE INTO events
	(entry_id, source, artist, event_time, venue, price, url, tier, scraped_at, source_file, raw_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertImport = `INSERT INTO import_log
	(source_file, payload_digest, imported_at, record_count, inserted_count, skipped_count)
	VALUES (?, ?, ?, ?, ?, ?)`

const selectImports = `SELECT source_file, COALESCE(payload_digest, '') AS payload_digest, imported_at,
	record_count, inserted_count, skipped_count
	FROM import_log ORDER BY id`

// importRow mirrors one import_log row.
type importRow struct {
	SourceFile    string `db:"source_file"`
	PayloadDigest string `db:"payload_digest"`
	ImportedAt    string `db:"imported_at"`
	RecordCount   int    `db:"record_count"`
	InsertedCount int    `db:"inserted_count"`
	SkippedCount  int    `db:"skipped_count"`
}

// Store implements sink.EventStore on SQLite.
type Store struct {
	db     *sqlx.DB
	clock  crawler.Clock
	logger *zap.Logger
}

var (
	_ sink.EventStore = (*Store)(nil)
	_ sink.AuditLog   = (*Store)(nil)
)

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the clock used for import timestamps.
func WithClock(c crawler.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l).Named("sqlstore") }
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return NewWithDB(db, opts...), nil
}

// NewWithDB wraps an open handle whose schema is already in place.
func NewWithDB(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: system.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Import inserts entries not already stored and appends one import_log row,
// all in one transaction.
func (s *Store) Import(ctx context.Context, sourceFile, payloadDigest string, entries []catalog.Entry) (rec sink.ImportRecord, err error) {
	defer func() {
		if err != nil {
			metrics.ObserveSink("sqlite", "error")
		} else {
			metrics.ObserveSink("sqlite", "ok")
		}
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sink.ImportRecord{}, fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PreparexContext(ctx, insertEvent)
	if err != nil {
		return sink.ImportRecord{}, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return sink.ImportRecord{}, fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		res, err := stmt.ExecContext(ctx,
			e.ID, e.SourceName, e.Artist, e.EventTime, e.Venue, e.Price, e.TicketURL, e.Tier,
			e.ScrapedAt.UTC().Format(time.RFC3339), sourceFile, string(raw))
		if err != nil {
			return sink.ImportRecord{}, fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return sink.ImportRecord{}, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	rec = sink.ImportRecord{
		SourceFile:    sourceFile,
		PayloadDigest: payloadDigest,
		ImportedAt:    s.clock.Now().UTC(),
		RecordCount:   len(entries),
		InsertedCount: inserted,
		SkippedCount:  len(entries) - inserted,
	}
	if _, err := tx.ExecContext(ctx, insertImport,
		rec.SourceFile, rec.PayloadDigest, rec.ImportedAt.Format(time.RFC3339),
		rec.RecordCount, rec.InsertedCount, rec.SkippedCount); err != nil {
		return sink.ImportRecord{}, fmt.Errorf("insert import log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return sink.ImportRecord{}, fmt.Errorf("commit import: %w", err)
	}
	s.logger.Info("import finished",
		zap.String("source_file", sourceFile),
		zap.Int("records", rec.RecordCount),
		zap.Int("inserted", rec.InsertedCount),
		zap.Int("skipped", rec.SkippedCount))
	return rec, nil
}

// ImportLog returns every audit row, oldest first.
func (s *Store) ImportLog(ctx context.Context) ([]sink.ImportRecord, error) {
	var rows []importRow
	if err := s.db.SelectContext(ctx, &rows, selectImports); err != nil {
		return nil, fmt.Errorf("query import log: %w", err)
	}
	out := make([]sink.ImportRecord, 0, len(rows))
	for _, r := range rows {
		at, err := time.Parse(time.RFC3339, r.ImportedAt)
		if err != nil {
			return nil, fmt.Errorf("parse imported_at %q: %w", r.ImportedAt, err)
		}
		out = append(out, sink.ImportRecord{
			SourceFile:    r.SourceFile,
			PayloadDigest: r.PayloadDigest,
			ImportedAt:    at,
			RecordCount:   r.RecordCount,
			InsertedCount: r.InsertedCount,
			SkippedCount:  r.SkippedCount,
		})
	}
	return out, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM events"); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("sqlstore: not open")
	}
	return s.db.Close()
}
