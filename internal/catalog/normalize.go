package catalog

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// idSpace bounds identifiers to eight decimal digits.
const idSpace = 100_000_000

// KnownSource maps a source-name fragment to its public listing page.
type KnownSource struct {
	Keys    []string
	Landing string
}

// DefaultKnownSources lists the sources whose landing page can backfill a
// missing ticket link. Order matters: the first match wins.
var DefaultKnownSources = []KnownSource{
	{Keys: []string{"kktix"}, Landing: "https://kktix.com/events"},
	{Keys: []string{"tixcraft", "拓元"}, Landing: "https://tixcraft.com/activity/game"},
	{Keys: []string{"年代", "ticket.com.tw", "era ticket"}, Landing: "https://ticket.com.tw/dm.html"},
	{Keys: []string{"indievox"}, Landing: "https://www.indievox.com/activity/list"},
	{Keys: []string{"accupass"}, Landing: "https://www.accupass.com/search?q=演唱會"},
	{Keys: []string{"博客來", "books"}, Landing: "https://tickets.books.com.tw"},
}

// ID derives the stable catalog identifier for a triple. It is a 64-bit
// non-cryptographic hash folded into eight zero-padded digits.
func ID(artist, eventTime, venue string) string {
	sum := xxhash.Sum64String(artist + "|" + eventTime + "|" + venue)
	return fmt.Sprintf("%08d", sum%idSpace)
}

// Normalizer maps candidate records onto catalog entries.
type Normalizer struct {
	sources []KnownSource
}

// NewNormalizer builds a Normalizer over the given known-source table; nil
// selects DefaultKnownSources.
func NewNormalizer(sources []KnownSource) *Normalizer {
	if sources == nil {
		sources = DefaultKnownSources
	}
	return &Normalizer{sources: sources}
}

// Normalize canonicalizes records scraped at now and deduplicates the result.
// Records without an artist are dropped.
func (n *Normalizer) Normalize(records []CandidateRecord, now time.Time) []Entry {
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entry, ok := n.normalizeOne(rec, now)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return Dedupe(entries)
}

// Canonicalize re-applies the normalization rules to an already persisted
// entry. A stored identifier is kept so links to it stay valid; one is
// computed only when missing. Entries without an artist report false.
func (n *Normalizer) Canonicalize(e Entry) (Entry, bool) {
	rec := CandidateRecord{
		Artist:     e.Artist,
		Date:       e.EventTime,
		Venue:      e.Venue,
		URL:        e.TicketURL,
		Price:      e.Price,
		SourceName: e.SourceName,
		Tier:       e.Tier,
	}
	out, ok := n.normalizeOne(rec, e.ScrapedAt)
	if !ok {
		return Entry{}, false
	}
	if id := strings.TrimSpace(e.ID); id != "" {
		out.ID = id
	}
	return out, true
}

func (n *Normalizer) normalizeOne(rec CandidateRecord, now time.Time) (Entry, bool) {
	artist := collapseSpace(rec.Artist)
	if artist == "" {
		return Entry{}, false
	}
	eventTime := orUnknown(collapseSpace(rec.Date))
	venue := orUnknown(collapseSpace(rec.Venue))
	source := collapseSpace(rec.SourceName)
	if source == "" {
		source = Unknown
	}

	return Entry{
		ID:         ID(artist, eventTime, venue),
		SourceName: source,
		Artist:     artist,
		EventTime:  eventTime,
		Venue:      venue,
		TicketURL:  n.resolveURL(strings.TrimSpace(rec.URL), source),
		Price:      collapseSpace(rec.Price),
		ScrapedAt:  now,
		Tier:       rec.Tier,
	}, true
}

// resolveURL guarantees an absolute link or the sentinel.
func (n *Normalizer) resolveURL(raw, source string) string {
	landing, matched := n.lookup(source)
	if raw == "" || strings.EqualFold(raw, Unknown) {
		if !matched {
			return Unknown
		}
		raw = landing
	}

	switch {
	case strings.HasPrefix(raw, "//"):
		return "https:" + raw
	case strings.HasPrefix(raw, "/"):
		if !matched {
			return Unknown
		}
		base, err := url.Parse(landing)
		if err != nil {
			return Unknown
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return Unknown
		}
		return base.ResolveReference(ref).String()
	case hasScheme(raw):
		return raw
	default:
		return "https://" + raw
	}
}

// lookup returns the landing page for the first known source whose key is a
// case-insensitive substring of name.
func (n *Normalizer) lookup(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, src := range n.sources {
		for _, key := range src.Keys {
			if strings.Contains(lower, strings.ToLower(key)) {
				return src.Landing, true
			}
		}
	}
	return "", false
}

func hasScheme(raw string) bool {
	idx := strings.Index(raw, "://")
	if idx <= 0 {
		return false
	}
	for _, r := range raw[:idx] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
