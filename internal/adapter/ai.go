package adapter

import (
	"context"

	"github.com/JakeFAU/concert-crawler/internal/ai"
	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
)

// AIStrategy hands listing markup to the AI extraction capability.
type AIStrategy struct {
	extractor *ai.Extractor
	fetcher   crawler.Fetcher
}

// NewAIStrategy builds an AIStrategy. fetcher may be nil, in which case only
// markup captured by earlier strategies is used.
func NewAIStrategy(e *ai.Extractor, f crawler.Fetcher) *AIStrategy {
	return &AIStrategy{extractor: e, fetcher: f}
}

// Name implements Strategy.
func (*AIStrategy) Name() string { return "ai" }

// Extract implements Strategy.
func (s *AIStrategy) Extract(ctx context.Context, src Source, scratch *Scratch) ([]catalog.CandidateRecord, error) {
	if !s.extractor.Available() {
		return nil, ai.ErrUnavailable
	}
	markup, pageURL := scratch.Markup, scratch.MarkupURL
	if markup == "" && src.AI != nil && src.AI.URL != "" && s.fetcher != nil {
		resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: src.AI.URL, Source: src.Slug})
		if err != nil {
			return nil, err
		}
		markup, pageURL = string(resp.Body), resp.URL
	}
	if markup == "" {
		return nil, nil
	}
	if pageURL == "" {
		pageURL = src.BaseURL
	}
	records, err := s.extractor.Extract(ctx, markup, src.Name)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].URL != "" {
			records[i].URL = crawler.ResolveURL(pageURL, records[i].URL)
		}
		records[i].SourceName = src.Name
	}
	return records, nil
}
