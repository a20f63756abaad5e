// Package adapter produces candidate records for one ticketing site at a
// time. Every adapter runs a fixed cascade of extraction strategies and stops
// at the first one that yields records; when all of them come back empty it
// emits a single placeholder so the source stays visible in the catalog.
package adapter

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/ai"
	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
)

// Adapter produces candidate records for one source. Crawl returns an error
// only when ctx is done.
type Adapter interface {
	Name() string
	Tier() int
	Crawl(ctx context.Context) ([]catalog.CandidateRecord, error)
}

// Strategy is one step of the extraction cascade.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, src Source, scratch *Scratch) ([]catalog.CandidateRecord, error)
}

// Scratch carries state between strategies within one Crawl call.
type Scratch struct {
	// Markup is the most recent listing page any strategy captured.
	Markup    string
	MarkupURL string
}

func (s *Scratch) keep(pageURL string, body []byte) {
	if len(body) == 0 {
		return
	}
	s.Markup = string(body)
	s.MarkupURL = pageURL
}

// Cascade runs strategies in order for one source.
type Cascade struct {
	source     Source
	strategies []Strategy
	logger     *zap.Logger
}

// NewCascade builds an adapter for src over the given strategies.
func NewCascade(src Source, strategies []Strategy, logger *zap.Logger) *Cascade {
	return &Cascade{
		source:     src,
		strategies: strategies,
		logger:     logging.OrNop(logger).Named("adapter").With(zap.String("source", src.Name)),
	}
}

// Name implements Adapter.
func (c *Cascade) Name() string { return c.source.Name }

// Tier implements Adapter.
func (c *Cascade) Tier() int { return c.source.Tier }

// Source returns the adapter's registry entry.
func (c *Cascade) Source() Source { return c.source }

// Crawl implements Adapter.
func (c *Cascade) Crawl(ctx context.Context) ([]catalog.CandidateRecord, error) {
	scratch := &Scratch{}
	for _, strategy := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		records, err := c.runStrategy(ctx, strategy, scratch)
		records = c.stamp(records, strategy.Name())
		switch {
		case err != nil:
			metrics.ObserveStrategy(c.source.Slug, strategy.Name(), "error")
			c.logger.Debug("strategy failed",
				zap.String("strategy", strategy.Name()),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
		case !anyArtist(records):
			// Link-only records are dropped by normalization, so they do not end the cascade.
			metrics.ObserveStrategy(c.source.Slug, strategy.Name(), "empty")
			c.logger.Debug("strategy yielded nothing", zap.String("strategy", strategy.Name()), zap.Int("records", len(records)))
		default:
			metrics.ObserveStrategy(c.source.Slug, strategy.Name(), "ok")
			c.logger.Info("strategy succeeded",
				zap.String("strategy", strategy.Name()),
				zap.Int("records", len(records)),
				zap.Duration("elapsed", time.Since(start)))
			return records, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.ObserveStrategy(c.source.Slug, "placeholder", "ok")
	c.logger.Info("every strategy came back empty, emitting placeholder")
	return []catalog.CandidateRecord{Placeholder(c.source)}, nil
}

func anyArtist(records []catalog.CandidateRecord) bool {
	for _, r := range records {
		if strings.TrimSpace(r.Artist) != "" {
			return true
		}
	}
	return false
}

func (c *Cascade) runStrategy(ctx context.Context, s Strategy, scratch *Scratch) (records []catalog.CandidateRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("strategy %s panicked: %v\n%s", s.Name(), r, debug.Stack())
		}
	}()
	return s.Extract(ctx, c.source, scratch)
}

// stamp drops empty records and fills the source and strategy labels.
func (c *Cascade) stamp(records []catalog.CandidateRecord, strategy string) []catalog.CandidateRecord {
	out := make([]catalog.CandidateRecord, 0, len(records))
	for _, r := range records {
		if r.IsEmpty() {
			continue
		}
		if strings.TrimSpace(r.SourceName) == "" {
			r.SourceName = c.source.Name
		}
		r.Strategy = strategy
		out = append(out, r)
	}
	return out
}

// Placeholder is the sentinel record for a source with nothing extracted.
func Placeholder(src Source) catalog.CandidateRecord {
	return catalog.CandidateRecord{
		Artist:     catalog.PlaceholderArtist,
		Date:       catalog.Unknown,
		Venue:      catalog.Unknown,
		URL:        src.PlaceholderURL,
		SourceName: src.Name,
		Tier:       src.Tier,
		Strategy:   "placeholder",
	}
}

// Deps are the collaborators strategies need.
type Deps struct {
	Fetcher   crawler.Fetcher
	Launcher  crawler.SessionLauncher
	Extractor *ai.Extractor
	Logger    *zap.Logger
}

// Build assembles one Cascade per source. A strategy is included only when
// the source configures it and its collaborator is present.
func Build(sources []Source, deps Deps) []Adapter {
	out := make([]Adapter, 0, len(sources))
	for _, src := range sources {
		var strategies []Strategy
		if src.Feed != nil && deps.Fetcher != nil {
			strategies = append(strategies, NewFeedStrategy(deps.Fetcher))
		}
		if src.Static != nil && deps.Fetcher != nil {
			strategies = append(strategies, NewStaticStrategy(deps.Fetcher))
		}
		if src.Render != nil && deps.Launcher != nil {
			strategies = append(strategies, NewRenderedStrategy(deps.Launcher))
		}
		if deps.Extractor.Available() {
			strategies = append(strategies, NewAIStrategy(deps.Extractor, deps.Fetcher))
		}
		out = append(out, NewCascade(src, strategies, deps.Logger))
	}
	return out
}
