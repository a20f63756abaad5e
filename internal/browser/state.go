package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// sessionState is the persisted form of a source's browser session.
type sessionState struct {
	Source  string        `json:"source"`
	SavedAt time.Time     `json:"savedAt"`
	Cookies []savedCookie `json:"cookies"`
}

type savedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

func fromNetworkCookies(cookies []*network.Cookie) []savedCookie {
	out := make([]savedCookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		out = append(out, savedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: c.SameSite.String(),
		})
	}
	return out
}

// cookieParams converts saved cookies back into restore parameters, dropping
// the ones that expired since they were saved.
func cookieParams(cookies []savedCookie, now time.Time) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			param.SameSite = network.CookieSameSite(c.SameSite)
		}
		if !c.Session && c.Expires > 0 {
			expires := time.Unix(int64(c.Expires), 0)
			if !expires.After(now) {
				continue
			}
			ts := cdp.TimeSinceEpoch(expires)
			param.Expires = &ts
		}
		out = append(out, param)
	}
	return out
}

func loadState(path string) (sessionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sessionState{}, fmt.Errorf("read session state: %w", err)
	}
	var st sessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return sessionState{}, fmt.Errorf("decode session state: %w", err)
	}
	return st, nil
}

// saveState writes the state through a temp file and rename so a crash never
// leaves a half-written file behind.
func saveState(path string, st sessionState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
