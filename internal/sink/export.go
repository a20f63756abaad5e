package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
)

// Format selects which export files are written.
type Format string

// Export formats.
const (
	FormatJSON  Format = "json"
	FormatExcel Format = "excel"
	FormatBoth  Format = "both"
	FormatNone  Format = "none"
)

// ParseFormat validates an export format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatExcel, FormatBoth, FormatNone:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

const (
	// DefaultExportBase prefixes every export file name.
	DefaultExportBase = "concerts"
	allSheet          = "All"
	maxSheetName      = 31
	stampLayout       = "20060102_150405"
)

var sheetHeader = []any{"sourceName", "artist", "eventTime", "venue", "price", "ticketUrl", "scrapedAt"}

// ExportConfig controls ExportWriter.
type ExportConfig struct {
	Dir    string
	Base   string
	Format Format
	// Prune removes workbooks from earlier runs after a new one is written.
	Prune bool
}

// ExportWriter writes timestamped JSON and workbook exports.
type ExportWriter struct {
	cfg    ExportConfig
	logger *zap.Logger
}

// NewExportWriter builds an ExportWriter.
func NewExportWriter(cfg ExportConfig, logger *zap.Logger) *ExportWriter {
	if cfg.Base == "" {
		cfg.Base = DefaultExportBase
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	return &ExportWriter{cfg: cfg, logger: logging.OrNop(logger).Named("export")}
}

// Write exports entries stamped with at and returns the written paths.
func (w *ExportWriter) Write(ctx context.Context, entries []catalog.Entry, at time.Time) ([]string, error) {
	if w.cfg.Format == FormatNone {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	entries = catalog.Dedupe(entries)
	base := filepath.Join(w.cfg.Dir, w.cfg.Base+"_"+at.Format(stampLayout))

	var paths []string
	if w.cfg.Format == FormatJSON || w.cfg.Format == FormatBoth {
		path := base + ".json"
		data, err := EncodeEntries(entries)
		if err == nil {
			err = writeFileAtomic(path, data, 0o644)
		}
		if err != nil {
			metrics.ObserveSink("export_json", "error")
			return paths, fmt.Errorf("write json export: %w", err)
		}
		metrics.ObserveSink("export_json", "ok")
		paths = append(paths, path)
	}
	if w.cfg.Format == FormatExcel || w.cfg.Format == FormatBoth {
		path := base + ".xlsx"
		if err := writeWorkbook(path, entries); err != nil {
			metrics.ObserveSink("export_xlsx", "error")
			return paths, err
		}
		metrics.ObserveSink("export_xlsx", "ok")
		paths = append(paths, path)
		if w.cfg.Prune {
			if err := w.pruneWorkbooks(path); err != nil {
				w.logger.Warn("old workbooks not pruned", zap.Error(err))
			}
		}
	}
	w.logger.Info("export written", zap.Strings("paths", paths), zap.Int("entries", len(entries)))
	return paths, nil
}

func (w *ExportWriter) pruneWorkbooks(keep string) error {
	matches, err := filepath.Glob(filepath.Join(w.cfg.Dir, w.cfg.Base+"_*.xlsx"))
	if err != nil {
		return fmt.Errorf("glob workbooks: %w", err)
	}
	var errs []error
	for _, m := range matches {
		if m == keep {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeWorkbook writes an "All" sheet followed by one sheet per source in
// first-seen order.
func writeWorkbook(path string, entries []catalog.Entry) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close workbook: %w", cerr)
		}
	}()

	if err := f.SetSheetName(f.GetSheetName(0), allSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	if err := fillSheet(f, allSheet, entries); err != nil {
		return err
	}

	bySource := make(map[string][]catalog.Entry)
	var order []string
	for _, e := range entries {
		if _, ok := bySource[e.SourceName]; !ok {
			order = append(order, e.SourceName)
		}
		bySource[e.SourceName] = append(bySource[e.SourceName], e)
	}
	used := map[string]struct{}{strings.ToLower(allSheet): {}}
	for _, source := range order {
		name := uniqueSheetName(SheetName(source), used)
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("add sheet %q: %w", name, err)
		}
		if err := fillSheet(f, name, bySource[source]); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("render workbook: %w", err)
	}
	if err := writeFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func fillSheet(f *excelize.File, sheet string, entries []catalog.Entry) error {
	if err := f.SetSheetRow(sheet, "A1", &sheetHeader); err != nil {
		return fmt.Errorf("sheet %q header: %w", sheet, err)
	}
	for i, e := range entries {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("sheet %q row %d: %w", sheet, i+2, err)
		}
		row := []any{e.SourceName, e.Artist, e.EventTime, e.Venue, e.Price, e.TicketURL, e.ScrapedAt.Format(time.RFC3339)}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("sheet %q row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}

// SheetName makes a source name a legal worksheet name: no []:*?/\
// characters, no leading or trailing apostrophe, at most 31 characters.
func SheetName(source string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			return '_'
		}
		return r
	}, strings.TrimSpace(source))
	name = strings.Trim(name, "'")
	if name == "" {
		name = "source"
	}
	return truncateRunes(name, maxSheetName)
}

func uniqueSheetName(name string, used map[string]struct{}) string {
	candidate := name
	for n := 2; ; n++ {
		if _, taken := used[strings.ToLower(candidate)]; !taken {
			used[strings.ToLower(candidate)] = struct{}{}
			return candidate
		}
		suffix := fmt.Sprintf(" (%d)", n)
		candidate = truncateRunes(name, maxSheetName-utf8.RuneCountInString(suffix)) + suffix
	}
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// ExportStamps lists the stamps of exports in dir, newest first.
func ExportStamps(dir, base string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, base+"_*"))
	if err != nil {
		return nil, fmt.Errorf("glob exports: %w", err)
	}
	seen := make(map[string]struct{})
	var stamps []string
	for _, m := range matches {
		stamp := strings.TrimPrefix(filepath.Base(m), base+"_")
		stamp = strings.TrimSuffix(stamp, filepath.Ext(stamp))
		if _, ok := seen[stamp]; ok {
			continue
		}
		seen[stamp] = struct{}{}
		stamps = append(stamps, stamp)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stamps)))
	return stamps, nil
}
