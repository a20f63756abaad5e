package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
)

var errNoFeedItems = errors.New("feed payload carries no item list")

// FeedStrategy reads a source's structured JSON event listing.
type FeedStrategy struct {
	fetcher crawler.Fetcher
}

// NewFeedStrategy builds a FeedStrategy.
func NewFeedStrategy(f crawler.Fetcher) *FeedStrategy {
	return &FeedStrategy{fetcher: f}
}

// Name implements Strategy.
func (*FeedStrategy) Name() string { return "feed" }

// Extract implements Strategy. Endpoints are tried in order; the first that
// decodes into at least one record wins.
func (s *FeedStrategy) Extract(ctx context.Context, src Source, _ *Scratch) ([]catalog.CandidateRecord, error) {
	if src.Feed == nil {
		return nil, nil
	}
	var errs []error
	for _, endpoint := range src.Feed.URLs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{
			URL:     endpoint,
			Headers: http.Header{"Accept": []string{"application/json"}},
			Source:  src.Slug,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records, err := ParseFeed(resp.Body, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	return nil, errors.Join(errs...)
}

// ParseFeed decodes an event feed: a list of items, or an object carrying
// the list under "data" or "events".
func ParseFeed(body []byte, src Source) ([]catalog.CandidateRecord, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	var items []any
	switch v := payload.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, key := range []string{"data", "events"} {
			if list, ok := v[key].([]any); ok && len(list) > 0 {
				items = list
				break
			}
		}
		if items == nil {
			return nil, errNoFeedItems
		}
	default:
		return nil, errNoFeedItems
	}

	eventPath := "/events/"
	if src.Feed != nil && src.Feed.EventPath != "" {
		eventPath = src.Feed.EventPath
	}
	out := make([]catalog.CandidateRecord, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		rec := catalog.CandidateRecord{
			Artist:     stringField(item, "title", "name"),
			Date:       stringField(item, "start_at", "time", "time_range"),
			Venue:      namedField(item, "venue", "location"),
			URL:        stringField(item, "url", "event_url", "web_url"),
			SourceName: src.Name,
		}
		if rec.URL != "" {
			rec.URL = crawler.ResolveURL(src.BaseURL, rec.URL)
		} else if slug := stringField(item, "slug", "id"); slug != "" {
			rec.URL = strings.TrimRight(src.BaseURL, "/") + eventPath + slug
		}
		if rec.Artist == "" && rec.Date == "" && rec.Venue == "" && rec.URL == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// stringField returns the first key holding a non-empty scalar.
func stringField(item map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := item[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// namedField accepts either a plain string or an object with a name.
func namedField(item map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := item[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case map[string]any:
			if s := stringField(v, "name", "title"); s != "" {
				return s
			}
		}
	}
	return ""
}
