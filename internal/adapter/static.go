package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
)

// defaultDetailMax bounds detail-page follows when the registry sets none.
const defaultDetailMax = 10

// StaticStrategy scrapes listing pages fetched over plain HTTP.
type StaticStrategy struct {
	fetcher crawler.Fetcher
}

// NewStaticStrategy builds a StaticStrategy.
func NewStaticStrategy(f crawler.Fetcher) *StaticStrategy {
	return &StaticStrategy{fetcher: f}
}

// Name implements Strategy.
func (*StaticStrategy) Name() string { return "static" }

// Extract implements Strategy.
func (s *StaticStrategy) Extract(ctx context.Context, src Source, scratch *Scratch) ([]catalog.CandidateRecord, error) {
	spec := src.Static
	if spec == nil {
		return nil, nil
	}
	var errs []error
	for _, pageURL := range spec.URLs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{
			URL:     pageURL,
			Headers: http.Header{"Accept": []string{"text/html"}},
			Source:  src.Slug,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		base := resp.URL
		if base == "" {
			base = pageURL
		}
		scratch.keep(base, resp.Body)
		doc, err := parseDocument(resp.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pageURL, err))
			continue
		}
		records := applyPatterns(doc, src, base, spec.Cards, spec.Anchors)
		if len(records) == 0 {
			continue
		}
		return s.followDetails(ctx, src, spec.Detail, records), nil
	}
	return nil, errors.Join(errs...)
}

// followDetails fetches detail pages for records with gaps. Failures leave
// the record as it was.
func (s *StaticStrategy) followDetails(ctx context.Context, src Source, spec *DetailSpec, records []catalog.CandidateRecord) []catalog.CandidateRecord {
	if spec == nil {
		return records
	}
	limit := spec.Max
	if limit <= 0 {
		limit = defaultDetailMax
	}
	visited := crawler.NewVisitTracker()
	for i := range records {
		if limit == 0 || ctx.Err() != nil {
			break
		}
		if !needsDetail(records[i]) || !visited.MarkIfNew(records[i].URL) {
			continue
		}
		limit--
		resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: records[i].URL, Source: src.Slug})
		if err != nil {
			continue
		}
		doc, err := parseDocument(resp.Body)
		if err != nil {
			continue
		}
		records[i] = fillFromDetail(doc, spec, records[i])
	}
	return records
}
