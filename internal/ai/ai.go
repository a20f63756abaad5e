// Package ai turns raw listing markup into candidate records through a
// pluggable text-generation backend. Every failure mode of the backend,
// including malformed output, degrades to zero records.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/logging"
)

// ErrUnavailable is returned when no backend is configured.
var ErrUnavailable = errors.New("ai: extraction backend unavailable")

// DefaultMaxMarkupBytes bounds the markup sent to the backend.
const DefaultMaxMarkupBytes = 30000

// Completer sends a prompt to a text-generation backend.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Noop is the Completer used when AI extraction is disabled.
type Noop struct{}

// Complete always fails with ErrUnavailable.
func (Noop) Complete(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

// Extractor asks a Completer for concert records found in markup.
type Extractor struct {
	completer Completer
	maxBytes  int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewExtractor wires an Extractor. maxBytes <= 0 selects
// DefaultMaxMarkupBytes; timeout <= 0 leaves the call bounded only by ctx.
func NewExtractor(c Completer, maxBytes int, timeout time.Duration, logger *zap.Logger) *Extractor {
	if c == nil {
		c = Noop{}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMarkupBytes
	}
	return &Extractor{
		completer: c,
		maxBytes:  maxBytes,
		timeout:   timeout,
		logger:    logging.OrNop(logger).Named("ai"),
	}
}

// Available reports whether a real backend is configured.
func (e *Extractor) Available() bool {
	if e == nil {
		return false
	}
	_, noop := e.completer.(Noop)
	return !noop
}

// Extract returns the candidate records the backend found in markup. A
// backend error is returned for logging; unusable output yields no records
// and no error.
func (e *Extractor) Extract(ctx context.Context, markup, source string) ([]catalog.CandidateRecord, error) {
	if strings.TrimSpace(markup) == "" {
		return nil, nil
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	prompt := BuildPrompt(source, Truncate(markup, e.maxBytes))
	text, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("ai complete for %s: %w", source, err)
	}
	records := ParseCandidates(text, source)
	e.logger.Debug("ai extraction finished", zap.String("source", source), zap.Int("records", len(records)))
	return records, nil
}

// BuildPrompt renders the extraction instruction for one source.
func BuildPrompt(source, markup string) string {
	var b strings.Builder
	b.WriteString("You extract concert listings from ticketing web pages.\n")
	fmt.Fprintf(&b, "The following HTML comes from %s.\n", source)
	b.WriteString("Return only a JSON array. Each element must be an object with the keys ")
	b.WriteString(`"artist", "date", "venue", "price" and "url". `)
	b.WriteString("Use an empty string for unknown values. If nothing is found return [].\n\n")
	b.WriteString("HTML:\n")
	b.WriteString(markup)
	return b.String()
}

// Truncate cuts s to at most maxBytes without splitting a UTF-8 sequence.
func Truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

var (
	artistKeys = []string{"artist", "title", "name"}
	dateKeys   = []string{"date", "time", "eventTime", "start_at"}
	venueKeys  = []string{"venue", "location", "place"}
	urlKeys    = []string{"url", "link", "href"}
	priceKeys  = []string{"price", "prices"}
)

// ParseCandidates decodes a backend response. Only a JSON array of objects
// is accepted; items without an artist-equivalent field are dropped. Code
// fences around the payload are tolerated.
func ParseCandidates(text, source string) []catalog.CandidateRecord {
	payload := stripFences(text)
	if !strings.HasPrefix(payload, "[") {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil
	}
	out := make([]catalog.CandidateRecord, 0, len(items))
	for _, raw := range items {
		var item map[string]any
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		artist := pick(item, artistKeys)
		if artist == "" {
			continue
		}
		out = append(out, catalog.CandidateRecord{
			Artist:     artist,
			Date:       pick(item, dateKeys),
			Venue:      pick(item, venueKeys),
			URL:        pick(item, urlKeys),
			Price:      pick(item, priceKeys),
			SourceName: source,
		})
	}
	return out
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	body := text[start+3:]
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	body = strings.TrimSpace(body)
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = body[4:]
	}
	return strings.TrimSpace(body)
}

func pick(item map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := item[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case float64, bool:
			s = fmt.Sprint(val)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
