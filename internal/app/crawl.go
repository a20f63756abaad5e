package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/orchestrator"
	"github.com/JakeFAU/concert-crawler/internal/sink"
)

// CrawlParams controls one crawl run. Zero values fall back to configuration.
type CrawlParams struct {
	Tier           int
	AdapterTimeout time.Duration
	Delay          time.Duration
	Concurrency    int
	// SkipStore leaves the relational store untouched for this run.
	SkipStore bool
}

// Params derives run parameters from configuration.
func (a *App) Params() (CrawlParams, error) {
	tier, err := orchestrator.ParseTier(a.cfg.Crawler.Tier)
	if err != nil {
		return CrawlParams{}, err
	}
	timeout := a.cfg.AdapterTimeout()
	if a.cfg.Headless.Interactive() {
		// An operator completing a bot check sets the pace, not the clock.
		timeout = 0
	}
	return CrawlParams{
		Tier:           tier,
		AdapterTimeout: timeout,
		Delay:          a.cfg.Delay(),
		Concurrency:    a.cfg.Crawler.Concurrency,
	}, nil
}

// Crawl runs the adapters, writes the snapshot and hands the result to every
// configured sink. A cancelled run still persists what it gathered. The
// snapshot is the only sink whose failure stops the pipeline; the others are
// attempted regardless and their errors joined.
func (a *App) Crawl(ctx context.Context, p CrawlParams) (sink.RunSummary, error) {
	res, err := a.orchestrator.Run(ctx, orchestrator.Params{
		Tier:           p.Tier,
		AdapterTimeout: p.AdapterTimeout,
		Delay:          p.Delay,
		Concurrency:    p.Concurrency,
	})
	if err != nil {
		return sink.RunSummary{}, err
	}
	logger := a.logger.With(zap.String("run_id", res.RunID))

	// Sinks run after cancellation so partial results are kept.
	sctx := context.WithoutCancel(ctx)
	now := a.clock.Now()
	entries := a.normalizer.Normalize(res.Records, now)

	summary := sink.RunSummary{
		RunID:      res.RunID,
		Tier:       orchestrator.TierLabel(res.Tier),
		StartedAt:  res.StartedAt,
		Canceled:   res.Canceled,
		Candidates: len(res.Records),
		Adapters:   adapterSummaries(res.Adapters),
	}

	snap, err := a.snapshot.Write(sctx, entries)
	if err != nil {
		return summary, fmt.Errorf("snapshot: %w", err)
	}
	summary.SnapshotPath = snap.Path
	summary.Entries = len(snap.Entries)

	var errs []error
	exports, err := a.exporter.Write(sctx, snap.Entries, now)
	summary.Exports = exports
	if err != nil {
		errs = append(errs, fmt.Errorf("export: %w", err))
	}

	if a.store != nil && !p.SkipStore {
		rec, err := a.importSnapshot(sctx, snap)
		if err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		} else {
			summary.Import = &rec
		}
	}

	if a.archiver != nil {
		uri, err := a.archiver.Archive(sctx, res.RunID, snap.Data)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
		summary.ArchiveURI = uri
	}

	summary.FinishedAt = a.clock.Now()
	if _, err := a.notifier.Notify(sctx, summary); err != nil {
		errs = append(errs, fmt.Errorf("notify: %w", err))
	}

	logger.Info("crawl pipeline finished",
		zap.Int("candidates", summary.Candidates),
		zap.Int("entries", summary.Entries),
		zap.Strings("exports", summary.Exports),
		zap.String("archive", summary.ArchiveURI),
		zap.Bool("canceled", summary.Canceled))
	return summary, errors.Join(errs...)
}

func (a *App) importSnapshot(ctx context.Context, snap sink.Snapshot) (sink.ImportRecord, error) {
	digest, err := a.hasher.Hash(snap.Data)
	if err != nil {
		return sink.ImportRecord{}, fmt.Errorf("digest snapshot: %w", err)
	}
	return a.store.Import(ctx, filepath.Base(snap.Path), digest, snap.Entries)
}

func adapterSummaries(results []orchestrator.AdapterResult) []sink.AdapterSummary {
	out := make([]sink.AdapterSummary, 0, len(results))
	for _, r := range results {
		s := sink.AdapterSummary{
			Adapter:   r.Adapter,
			Tier:      r.Tier,
			Outcome:   r.Outcome(),
			Records:   len(r.Records),
			ElapsedMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			s.Error = r.Err.Error()
		}
		out = append(out, s)
	}
	return out
}
