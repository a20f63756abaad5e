// Package resolver picks the catalog snapshot to serve from an ordered list
// of candidate providers, falling back to built-in seed data.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/logging"
)

// errInvalidShape marks content that is neither a list of entries nor an
// object carrying one under a known key.
var errInvalidShape = errors.New("resolver: not a catalog payload")

// listKeys are the object keys that may carry the entry list.
var listKeys = []string{"concerts", "data"}

// Provider is one candidate source of catalog entries. ok is false when the
// candidate is missing, unreadable, malformed, or empty where empty is not
// acceptable.
type Provider interface {
	Name() string
	Provide(ctx context.Context) (entries []catalog.Entry, ok bool, err error)
}

// Resolution is the chosen catalog and where it came from.
type Resolution struct {
	Entries []catalog.Entry
	Source  string
}

// Resolver walks providers in order and returns the first acceptable result.
type Resolver struct {
	providers  []Provider
	normalizer *catalog.Normalizer
	logger     *zap.Logger
}

// New builds a Resolver. The seed provider is appended automatically so
// resolution always ends with data.
func New(logger *zap.Logger, providers ...Provider) *Resolver {
	all := make([]Provider, 0, len(providers)+1)
	all = append(all, providers...)
	all = append(all, SeedProvider{})
	return &Resolver{
		providers:  all,
		normalizer: catalog.NewNormalizer(nil),
		logger:     logging.OrNop(logger).Named("resolver"),
	}
}

// Resolve returns the best available catalog. It never fails.
func (r *Resolver) Resolve(ctx context.Context) Resolution {
	for _, p := range r.providers {
		entries, ok, err := p.Provide(ctx)
		if err != nil {
			r.logger.Debug("catalog candidate skipped", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		return Resolution{Entries: r.canonicalize(entries), Source: p.Name()}
	}
	return Resolution{Entries: []catalog.Entry{}, Source: "none"}
}

// Load satisfies catalog.Loader.
func (r *Resolver) Load(ctx context.Context) []catalog.Entry {
	return r.Resolve(ctx).Entries
}

func (r *Resolver) canonicalize(entries []catalog.Entry) []catalog.Entry {
	out := make([]catalog.Entry, 0, len(entries))
	for _, e := range entries {
		ce, ok := r.normalizer.Canonicalize(e)
		if !ok {
			continue
		}
		out = append(out, ce)
	}
	return catalog.Dedupe(out)
}

// SnapshotProvider reads a single snapshot file.
type SnapshotProvider struct {
	Label string
	Path  string
	// AcceptEmpty lets a valid empty list win resolution.
	AcceptEmpty bool
}

// Name implements Provider.
func (p SnapshotProvider) Name() string {
	if p.Label != "" {
		return p.Label
	}
	return p.Path
}

// Provide implements Provider.
func (p SnapshotProvider) Provide(_ context.Context) ([]catalog.Entry, bool, error) {
	if p.Path == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", p.Path, err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, false, fmt.Errorf("parse %s: %w", p.Path, err)
	}
	if len(entries) == 0 && !p.AcceptEmpty {
		return nil, false, nil
	}
	return entries, true, nil
}

// LatestExportProvider reads the most recently dated export in Dir whose
// name matches one of Patterns.
type LatestExportProvider struct {
	Dir      string
	Patterns []string
}

// Name implements Provider.
func (p LatestExportProvider) Name() string {
	return "latest-export"
}

// Provide implements Provider. Candidates are tried newest first; an invalid
// or empty file yields to the next older one.
func (p LatestExportProvider) Provide(ctx context.Context) ([]catalog.Entry, bool, error) {
	type candidate struct {
		path  string
		stamp string
	}
	var candidates []candidate
	for _, pattern := range p.Patterns {
		matches, err := filepath.Glob(filepath.Join(p.Dir, pattern))
		if err != nil {
			return nil, false, fmt.Errorf("glob %s: %w", pattern, err)
		}
		prefix, _, _ := strings.Cut(pattern, "*")
		for _, m := range matches {
			candidates = append(candidates, candidate{
				path:  m,
				stamp: strings.TrimPrefix(filepath.Base(m), prefix),
			})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].stamp > candidates[j].stamp })

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		entries, ok, err := SnapshotProvider{Path: c.path}.Provide(ctx)
		if err != nil || !ok {
			continue
		}
		return entries, true, nil
	}
	return nil, false, nil
}

// SeedProvider returns illustrative entries so the read path has something
// to render before the first crawl.
type SeedProvider struct {
	Now func() time.Time
}

// Name implements Provider.
func (SeedProvider) Name() string { return "seed" }

// Provide implements Provider.
func (p SeedProvider) Provide(context.Context) ([]catalog.Entry, bool, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	ts := now().UTC()
	return []catalog.Entry{
		{
			SourceName: "KKTIX",
			Artist:     "五月天",
			EventTime:  "2026-02-15",
			Venue:      "台北小巨蛋",
			TicketURL:  "https://kktix.com/events/abc123",
			ScrapedAt:  ts,
			Tier:       1,
		},
		{
			SourceName: "iNDIEVOX",
			Artist:     "Coldplay",
			EventTime:  "2026-03-20",
			Venue:      "台北南港展覽館",
			TicketURL:  "https://www.indievox.com/events/xyz789",
			ScrapedAt:  ts,
			Tier:       2,
		},
	}, true, nil
}

// Parse decodes a snapshot payload: a list of entries, or an object carrying
// the list under "concerts" or "data".
func Parse(data []byte) ([]catalog.Entry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errInvalidShape
	}
	switch trimmed[0] {
	case '[':
		return decodeList(trimmed)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}
		for _, key := range listKeys {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			raw = bytes.TrimSpace(raw)
			if len(raw) == 0 || raw[0] != '[' {
				continue
			}
			return decodeList(raw)
		}
		return nil, errInvalidShape
	default:
		return nil, errInvalidShape
	}
}

func decodeList(raw []byte) ([]catalog.Entry, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	entries := make([]catalog.Entry, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			return nil, errInvalidShape
		}
		var e catalog.Entry
		if err := json.Unmarshal(item, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
