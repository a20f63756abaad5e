package adapter

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/concert-crawler/internal/crawler"
)

//go:embed sources.yaml
var defaultRegistry []byte

// Source describes one ticketing site and how to extract its listings.
type Source struct {
	Name           string      `yaml:"name"`
	Slug           string      `yaml:"slug"`
	Tier           int         `yaml:"tier"`
	BaseURL        string      `yaml:"base_url"`
	PlaceholderURL string      `yaml:"placeholder_url"`
	Feed           *FeedSpec   `yaml:"feed"`
	Static         *StaticSpec `yaml:"static"`
	Render         *RenderSpec `yaml:"render"`
	AI             *AISpec     `yaml:"ai"`
}

// FeedSpec lists structured JSON endpoints.
type FeedSpec struct {
	URLs []string `yaml:"urls"`
	// EventPath builds a link from an item's slug or id when it has no URL.
	EventPath string `yaml:"event_path"`
}

// CardPattern matches repeated listing cards. Inner selectors may be comma
// lists; the first non-empty match wins.
type CardPattern struct {
	Item     string `yaml:"item"`
	Title    string `yaml:"title"`
	Date     string `yaml:"date"`
	DateAttr string `yaml:"date_attr"`
	Venue    string `yaml:"venue"`
	Link     string `yaml:"link"`
	Price    string `yaml:"price"`
	Limit    int    `yaml:"limit"`
}

// AnchorPattern treats each matching link as one event.
type AnchorPattern struct {
	Selector string `yaml:"selector"`
	Limit    int    `yaml:"limit"`
	// DateFirst splits the link text as "date weekday title".
	DateFirst bool `yaml:"date_first"`
}

// DetailSpec fills gaps from an event's own page.
type DetailSpec struct {
	Title    string `yaml:"title"`
	Date     string `yaml:"date"`
	DateAttr string `yaml:"date_attr"`
	Venue    string `yaml:"venue"`
	Max      int    `yaml:"max"`
}

// StaticSpec configures the plain HTTP scrape.
type StaticSpec struct {
	URLs    []string        `yaml:"urls"`
	Cards   []CardPattern   `yaml:"cards"`
	Anchors []AnchorPattern `yaml:"anchors"`
	Detail  *DetailSpec     `yaml:"detail"`
}

// RenderSpec configures the browser scrape.
type RenderSpec struct {
	URLs         []string      `yaml:"urls"`
	LinkSelector string        `yaml:"link_selector"`
	MaxLinks     int           `yaml:"max_links"`
	Cards        []CardPattern `yaml:"cards"`
	Detail       *DetailSpec   `yaml:"detail"`
}

// AISpec names the page handed to the AI capability when no earlier strategy
// captured markup.
type AISpec struct {
	URL string `yaml:"url"`
}

type registryFile struct {
	Sources []Source `yaml:"sources"`
}

// DefaultSources returns the built-in registry.
func DefaultSources() ([]Source, error) {
	return ParseSources(defaultRegistry)
}

// ParseSources decodes and validates a registry document.
func ParseSources(data []byte) ([]Source, error) {
	var doc registryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode source registry: %w", err)
	}
	if len(doc.Sources) == 0 {
		return nil, errors.New("source registry is empty")
	}
	seen := make(map[string]struct{}, len(doc.Sources))
	for i := range doc.Sources {
		src := &doc.Sources[i]
		if err := src.validate(); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		if _, dup := seen[src.Slug]; dup {
			return nil, fmt.Errorf("source %q: duplicate slug %q", src.Name, src.Slug)
		}
		seen[src.Slug] = struct{}{}
	}
	return doc.Sources, nil
}

func (s *Source) validate() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Slug == "" {
		s.Slug = crawler.Slug(s.Name)
	}
	if s.Tier < 1 || s.Tier > 3 {
		return fmt.Errorf("source %q: tier %d out of range 1-3", s.Name, s.Tier)
	}
	if s.PlaceholderURL == "" {
		s.PlaceholderURL = s.BaseURL
	}
	if s.PlaceholderURL == "" {
		return fmt.Errorf("source %q: placeholder_url or base_url is required", s.Name)
	}
	if s.Render != nil && s.Render.MaxLinks <= 0 {
		s.Render.MaxLinks = 15
	}
	if s.Feed != nil && s.Feed.EventPath == "" {
		s.Feed.EventPath = "/events/"
	}
	return nil
}

// Filter drops sources whose name or slug matches one of disabled,
// case-insensitively.
func Filter(sources []Source, disabled []string) []Source {
	if len(disabled) == 0 {
		return sources
	}
	off := make(map[string]struct{}, len(disabled))
	for _, d := range disabled {
		off[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if _, skip := off[strings.ToLower(s.Name)]; skip {
			continue
		}
		if _, skip := off[strings.ToLower(s.Slug)]; skip {
			continue
		}
		out = append(out, s)
	}
	return out
}
