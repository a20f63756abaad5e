// Package catalog turns raw candidate records into the normalized, deduplicated
// concert catalog and serves read queries over it.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Unknown is the sentinel stored when a date, venue or link is missing.
	Unknown = "unknown"
	// PlaceholderArtist marks the synthetic record an adapter emits when
	// every extraction strategy came back empty.
	PlaceholderArtist = "TBA"
	// UnknownArtist is filtered out of artist listings.
	UnknownArtist = "unknown artist"
)

// ErrNotFound is returned by lookups that match no entry.
var ErrNotFound = errors.New("catalog: entry not found")

// CandidateRecord is one raw extraction result before normalization.
type CandidateRecord struct {
	Artist     string `json:"artist"`
	Date       string `json:"date"`
	Venue      string `json:"venue"`
	URL        string `json:"url"`
	Price      string `json:"price,omitempty"`
	SourceName string `json:"sourceName"`
	// Tier is stamped by the orchestrator from the producing adapter.
	Tier int `json:"tier,omitempty"`
	// Strategy names the extraction strategy that produced the record.
	Strategy string `json:"strategy,omitempty"`
}

// IsEmpty reports whether the record carries no identifying field at all.
func (r CandidateRecord) IsEmpty() bool {
	return strings.TrimSpace(r.Artist) == "" &&
		strings.TrimSpace(r.Date) == "" &&
		strings.TrimSpace(r.Venue) == "" &&
		strings.TrimSpace(r.URL) == ""
}

// Entry is a normalized catalog unit.
type Entry struct {
	ID         string    `json:"id"`
	SourceName string    `json:"sourceName"`
	Artist     string    `json:"artist"`
	EventTime  string    `json:"eventTime"`
	Venue      string    `json:"venue"`
	TicketURL  string    `json:"ticketUrl"`
	Price      string    `json:"price,omitempty"`
	ScrapedAt  time.Time `json:"scrapedAt"`
	Tier       int       `json:"tier,omitempty"`
}

// Key returns the deduplication triple joined the same way ID hashes it.
func (e Entry) Key() string {
	return e.Artist + "|" + e.EventTime + "|" + e.Venue
}

// entryWire accepts both the current field names and the ones used by
// earlier exports.
type entryWire struct {
	ID         json.RawMessage `json:"id"`
	SourceName string          `json:"sourceName"`
	Artist     string          `json:"artist"`
	EventTime  string          `json:"eventTime"`
	Venue      string          `json:"venue"`
	TicketURL  string          `json:"ticketUrl"`
	Price      string          `json:"price"`
	ScrapedAt  string          `json:"scrapedAt"`
	Tier       int             `json:"tier"`

	LegacySource    string `json:"來源網站"`
	LegacyArtist    string `json:"演出藝人"`
	LegacyTime      string `json:"演出時間"`
	LegacyVenue     string `json:"演出地點"`
	LegacyPrice     string `json:"票價"`
	LegacyURL       string `json:"網址"`
	LegacyScrapedAt string `json:"爬取時間"`
}

var scrapedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// UnmarshalJSON decodes an entry in either the current or the legacy shape.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	*e = Entry{
		ID:         decodeID(w.ID),
		SourceName: firstNonEmpty(w.SourceName, w.LegacySource),
		Artist:     firstNonEmpty(w.Artist, w.LegacyArtist),
		EventTime:  firstNonEmpty(w.EventTime, w.LegacyTime),
		Venue:      firstNonEmpty(w.Venue, w.LegacyVenue),
		TicketURL:  firstNonEmpty(w.TicketURL, w.LegacyURL),
		Price:      firstNonEmpty(w.Price, w.LegacyPrice),
		Tier:       w.Tier,
	}
	e.ScrapedAt = parseScrapedAt(firstNonEmpty(w.ScrapedAt, w.LegacyScrapedAt))
	return nil
}

func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func parseScrapedAt(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range scrapedAtLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
