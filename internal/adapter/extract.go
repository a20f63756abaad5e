package adapter

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
)

func parseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// applyPatterns tries card patterns, then anchor patterns, and returns the
// records of the first pattern that matches anything.
func applyPatterns(doc *goquery.Document, src Source, pageURL string, cards []CardPattern, anchors []AnchorPattern) []catalog.CandidateRecord {
	for _, p := range cards {
		if recs := applyCard(doc.Selection, src, pageURL, p); len(recs) > 0 {
			return recs
		}
	}
	for _, p := range anchors {
		if recs := applyAnchor(doc.Selection, src, pageURL, p); len(recs) > 0 {
			return recs
		}
	}
	return nil
}

func applyCard(root *goquery.Selection, src Source, pageURL string, p CardPattern) []catalog.CandidateRecord {
	if p.Item == "" {
		return nil
	}
	var out []catalog.CandidateRecord
	root.Find(p.Item).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		href := firstAttr(item, p.Link, "href")
		if href == "" && goquery.NodeName(item) == "a" {
			href, _ = item.Attr("href")
		}
		rec := catalog.CandidateRecord{
			Artist:     firstText(item, p.Title, ""),
			Date:       firstText(item, p.Date, p.DateAttr),
			Venue:      firstText(item, p.Venue, ""),
			Price:      firstText(item, p.Price, ""),
			URL:        crawler.ResolveURL(pageURL, href),
			SourceName: src.Name,
		}
		if rec.Artist != "" || rec.URL != "" {
			out = append(out, rec)
		}
		return p.Limit <= 0 || len(out) < p.Limit
	})
	return out
}

func applyAnchor(root *goquery.Selection, src Source, pageURL string, p AnchorPattern) []catalog.CandidateRecord {
	if p.Selector == "" {
		return nil
	}
	var out []catalog.CandidateRecord
	seen := make(map[string]struct{})
	root.Find(p.Selector).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		link := crawler.ResolveURL(pageURL, href)
		if link == "" {
			return true
		}
		if _, dup := seen[link]; dup {
			return true
		}
		seen[link] = struct{}{}
		text := strings.Join(strings.Fields(a.Text()), " ")
		rec := catalog.CandidateRecord{Artist: text, URL: link, SourceName: src.Name}
		if p.DateFirst {
			rec.Date, rec.Artist = splitDateFirst(text)
		}
		out = append(out, rec)
		return p.Limit <= 0 || len(out) < p.Limit
	})
	return out
}

// splitDateFirst reads "date weekday title..." link text. Text with fewer
// than three tokens is kept whole as the title.
func splitDateFirst(text string) (date, title string) {
	parts := strings.SplitN(text, " ", 3)
	if len(parts) == 0 || parts[0] == "" {
		return "", text
	}
	if len(parts) < 3 {
		return parts[0], text
	}
	return parts[0], parts[2]
}

// fillFromDetail fills empty fields of rec from a detail page.
func fillFromDetail(doc *goquery.Document, spec *DetailSpec, rec catalog.CandidateRecord) catalog.CandidateRecord {
	if spec == nil {
		return rec
	}
	if rec.Artist == "" {
		rec.Artist = firstText(doc.Selection, spec.Title, "")
	}
	if rec.Date == "" {
		rec.Date = firstText(doc.Selection, spec.Date, spec.DateAttr)
	}
	if rec.Venue == "" {
		rec.Venue = firstText(doc.Selection, spec.Venue, "")
	}
	return rec
}

func needsDetail(rec catalog.CandidateRecord) bool {
	return rec.URL != "" && (rec.Artist == "" || rec.Date == "" || rec.Venue == "")
}

// firstText returns the trimmed text of the first element matched by the
// comma-separated selectors, honoring selector order. attr, when set and
// present on the element, is preferred over its text.
func firstText(root *goquery.Selection, selectors, attr string) string {
	for _, sel := range splitSelectors(selectors) {
		found := root.Find(sel)
		for i := range found.Nodes {
			node := found.Eq(i)
			if attr != "" {
				if v, ok := node.Attr(attr); ok && strings.TrimSpace(v) != "" {
					return strings.TrimSpace(v)
				}
			}
			if text := strings.Join(strings.Fields(node.Text()), " "); text != "" {
				return text
			}
		}
	}
	return ""
}

func firstAttr(root *goquery.Selection, selectors, attr string) string {
	for _, sel := range splitSelectors(selectors) {
		if v, ok := root.Find(sel).First().Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitSelectors(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
