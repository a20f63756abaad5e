package catalog

import (
	"context"
	"sort"
	"strings"
)

// Loader yields the catalog to serve. Implementations must always return a
// usable slice; resolution failures degrade to fallback data, never errors.
type Loader interface {
	Load(ctx context.Context) []Entry
}

// Filter narrows List results. Empty fields match everything; all matches are
// case-insensitive substrings.
type Filter struct {
	// Query matches against artist or venue.
	Query  string
	Venue  string
	Artist string
}

// ArtistGroup bundles one artist's entries for the grouped listing.
type ArtistGroup struct {
	Artist  string  `json:"artist"`
	Count   int     `json:"count"`
	Entries []Entry `json:"concerts"`
}

// Service answers catalog read queries. Every call re-resolves the catalog so
// a freshly written snapshot is visible without a restart.
type Service struct {
	loader Loader
}

// NewService wires a Service to its Loader.
func NewService(loader Loader) *Service {
	return &Service{loader: loader}
}

// List returns the entries matching f in catalog order.
func (s *Service) List(ctx context.Context, f Filter) []Entry {
	entries := s.loader.Load(ctx)
	query := strings.ToLower(strings.TrimSpace(f.Query))
	venue := strings.ToLower(strings.TrimSpace(f.Venue))
	artist := strings.ToLower(strings.TrimSpace(f.Artist))

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		a, v := strings.ToLower(e.Artist), strings.ToLower(e.Venue)
		if query != "" && !strings.Contains(a, query) && !strings.Contains(v, query) {
			continue
		}
		if venue != "" && !strings.Contains(v, venue) {
			continue
		}
		if artist != "" && !strings.Contains(a, artist) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Get returns the entry with the given id or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	for _, e := range s.loader.Load(ctx) {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// Artists lists distinct artist names, sorted, without the unknown sentinels.
func (s *Service) Artists(ctx context.Context) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, e := range s.loader.Load(ctx) {
		if isUnknownArtist(e.Artist) {
			continue
		}
		if _, ok := seen[e.Artist]; ok {
			continue
		}
		seen[e.Artist] = struct{}{}
		out = append(out, e.Artist)
	}
	sort.Strings(out)
	return out
}

// GroupByArtist groups entries per artist, sorted by artist name, with each
// artist's entries sorted by event time descending.
func (s *Service) GroupByArtist(ctx context.Context) []ArtistGroup {
	byArtist := make(map[string][]Entry)
	for _, e := range s.loader.Load(ctx) {
		byArtist[e.Artist] = append(byArtist[e.Artist], e)
	}
	groups := make([]ArtistGroup, 0, len(byArtist))
	for artist, entries := range byArtist {
		sortByEventTimeDesc(entries)
		groups = append(groups, ArtistGroup{Artist: artist, Count: len(entries), Entries: entries})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Artist < groups[j].Artist })
	return groups
}

// ByArtist returns one artist's entries, matched case-insensitively, newest
// event first.
func (s *Service) ByArtist(ctx context.Context, name string) []Entry {
	name = strings.TrimSpace(name)
	out := []Entry{}
	for _, e := range s.loader.Load(ctx) {
		if strings.EqualFold(e.Artist, name) {
			out = append(out, e)
		}
	}
	sortByEventTimeDesc(out)
	return out
}

func sortByEventTimeDesc(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EventTime > entries[j].EventTime
	})
}

func isUnknownArtist(name string) bool {
	switch strings.TrimSpace(name) {
	case "", UnknownArtist, "未知藝人", Unknown:
		return true
	}
	return false
}
