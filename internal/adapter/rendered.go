package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
)

// RenderedStrategy scrapes JavaScript-rendered pages through a browser
// session. The session's cookies are persisted by the launcher after every
// successful render.
type RenderedStrategy struct {
	launcher crawler.SessionLauncher
}

// NewRenderedStrategy builds a RenderedStrategy.
func NewRenderedStrategy(l crawler.SessionLauncher) *RenderedStrategy {
	return &RenderedStrategy{launcher: l}
}

// Name implements Strategy.
func (*RenderedStrategy) Name() string { return "rendered" }

// Extract implements Strategy. Listing URLs are rendered in order until one
// matches a card pattern or contains event links.
func (s *RenderedStrategy) Extract(ctx context.Context, src Source, scratch *Scratch) (_ []catalog.CandidateRecord, err error) {
	spec := src.Render
	if spec == nil {
		return nil, nil
	}
	session, err := s.launcher.Open(ctx, src.Slug)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close session: %w", cerr)
		}
	}()

	var errs []error
	for _, listURL := range spec.URLs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := session.Render(ctx, listURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pageURL := page.FinalURL
		if pageURL == "" {
			pageURL = listURL
		}
		scratch.keep(pageURL, page.Body)
		doc, err := parseDocument(page.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", listURL, err))
			continue
		}
		records := applyPatterns(doc, src, pageURL, spec.Cards, nil)
		if len(records) == 0 {
			records = linkRecords(doc, src, pageURL, spec)
		}
		if len(records) == 0 {
			continue
		}
		return s.followDetails(ctx, session, spec, records), nil
	}
	return nil, errors.Join(errs...)
}

// linkRecords turns up to MaxLinks distinct event links into records.
func linkRecords(doc *goquery.Document, src Source, pageURL string, spec *RenderSpec) []catalog.CandidateRecord {
	if spec.LinkSelector == "" {
		return nil
	}
	var out []catalog.CandidateRecord
	seen := make(map[string]struct{})
	doc.Find(spec.LinkSelector).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		link := crawler.ResolveURL(pageURL, href)
		if link == "" {
			return true
		}
		if _, dup := seen[link]; dup {
			return true
		}
		seen[link] = struct{}{}
		out = append(out, catalog.CandidateRecord{
			Artist:     strings.Join(strings.Fields(a.Text()), " "),
			URL:        link,
			SourceName: src.Name,
		})
		return len(out) < spec.MaxLinks
	})
	return out
}

func (s *RenderedStrategy) followDetails(ctx context.Context, session crawler.BrowserSession, spec *RenderSpec, records []catalog.CandidateRecord) []catalog.CandidateRecord {
	if spec.Detail == nil {
		return records
	}
	limit := spec.Detail.Max
	if limit <= 0 {
		limit = spec.MaxLinks
	}
	for i := range records {
		if limit == 0 || ctx.Err() != nil {
			break
		}
		if !needsDetail(records[i]) {
			continue
		}
		limit--
		page, err := session.Render(ctx, records[i].URL)
		if err != nil {
			continue
		}
		doc, err := parseDocument(page.Body)
		if err != nil {
			continue
		}
		records[i] = fillFromDetail(doc, spec.Detail, records[i])
	}
	return records
}
