// Package postgres is the Postgres relational sink.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/clock/system"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
	"github.com/JakeFAU/concert-crawler/internal/sink"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string
	EventsTable     string
	ImportLogTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store implements sink.EventStore on Postgres.
type Store struct {
	pool      pool
	events    string
	importLog string
	clock     crawler.Clock
	logger    *zap.Logger
}

var (
	_ sink.EventStore = (*Store)(nil)
	_ sink.AuditLog   = (*Store)(nil)
)

// New connects a pool for cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a store from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	events, importLog := cfg.EventsTable, cfg.ImportLogTable
	if events == "" {
		events = "events"
	}
	if importLog == "" {
		importLog = "import_log"
	}
	for _, name := range []string{events, importLog} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{
		pool:      p,
		events:    events,
		importLog: importLog,
		clock:     system.New(),
		logger:    logging.OrNop(logger).Named("postgres"),
	}, nil
}

// WithClock replaces the clock used for import timestamps.
func (s *Store) WithClock(c crawler.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	entry_id TEXT NOT NULL,
	source TEXT,
	artist TEXT NOT NULL,
	event_time TEXT NOT NULL,
	venue TEXT,
	price TEXT,
	url TEXT NOT NULL,
	tier INTEGER,
	scraped_at TIMESTAMPTZ,
	source_file TEXT,
	raw_json JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (url, event_time, artist)
)`, s.events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source)`, s.events, s.events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	source_file TEXT NOT NULL,
	payload_digest TEXT,
	imported_at TIMESTAMPTZ NOT NULL,
	record_count INTEGER NOT NULL,
	inserted_count INTEGER NOT NULL,
	skipped_count INTEGER NOT NULL
)`, s.importLog),
	}
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Import inserts entries not already stored and appends one audit row, all in
// one transaction.
func (s *Store) Import(ctx context.Context, sourceFile, payloadDigest string, entries []catalog.Entry) (rec sink.ImportRecord, err error) {
	defer func() {
		if err != nil {
			metrics.ObserveSink("postgres", "error")
		} else {
			metrics.ObserveSink("postgres", "ok")
		}
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return sink.ImportRecord{}, fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	insert := fmt.Sprintf(`INSERT INTO %s
	(entry_id, source, artist, event_time, venue, price, url, tier, scraped_at, source_file, raw_json)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (url, event_time, artist) DO NOTHING`, s.events)

	inserted := 0
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return sink.ImportRecord{}, fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		tag, err := tx.Exec(ctx, insert,
			e.ID, e.SourceName, e.Artist, e.EventTime, e.Venue, e.Price, e.TicketURL, e.Tier,
			e.ScrapedAt.UTC(), sourceFile, raw)
		if err != nil {
			return sink.ImportRecord{}, fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	rec = sink.ImportRecord{
		SourceFile:    sourceFile,
		PayloadDigest: payloadDigest,
		ImportedAt:    s.clock.Now().UTC(),
		RecordCount:   len(entries),
		InsertedCount: inserted,
		SkippedCount:  len(entries) - inserted,
	}
	logInsert := fmt.Sprintf(`INSERT INTO %s
	(source_file, payload_digest, imported_at, record_count, inserted_count, skipped_count)
	VALUES ($1, $2, $3, $4, $5, $6)`, s.importLog)
	if _, err := tx.Exec(ctx, logInsert,
		rec.SourceFile, rec.PayloadDigest, rec.ImportedAt,
		rec.RecordCount, rec.InsertedCount, rec.SkippedCount); err != nil {
		return sink.ImportRecord{}, fmt.Errorf("insert import log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return sink.ImportRecord{}, fmt.Errorf("commit import: %w", err)
	}
	s.logger.Info("import finished",
		zap.String("source_file", sourceFile),
		zap.Int("inserted", rec.InsertedCount),
		zap.Int("skipped", rec.SkippedCount))
	return rec, nil
}

// ImportLog returns every audit row, oldest first.
func (s *Store) ImportLog(ctx context.Context) ([]sink.ImportRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT source_file, COALESCE(payload_digest, ''), imported_at,
	record_count, inserted_count, skipped_count FROM %s ORDER BY id`, s.importLog))
	if err != nil {
		return nil, fmt.Errorf("query import log: %w", err)
	}
	defer rows.Close()

	var out []sink.ImportRecord
	for rows.Next() {
		var rec sink.ImportRecord
		if err := rows.Scan(&rec.SourceFile, &rec.PayloadDigest, &rec.ImportedAt,
			&rec.RecordCount, &rec.InsertedCount, &rec.SkippedCount); err != nil {
			return nil, fmt.Errorf("scan import log: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
