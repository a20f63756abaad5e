package crawler

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultForbiddenAttempts = 3

// VisitTracker provides thread-safe visited URL tracking to prevent revisits.
type VisitTracker struct {
	seen sync.Map
}

// NewVisitTracker returns an empty tracker.
func NewVisitTracker() *VisitTracker {
	return &VisitTracker{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *VisitTracker) MarkIfNew(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	key := rawURL
	if normalized, err := NormalizeURL(rawURL); err == nil {
		key = normalized
	}
	_, loaded := t.seen.LoadOrStore(key, struct{}{})
	return !loaded
}

// HostBlocker tracks repeated forbidden responses and blocks hosts on excess,
// so a source that has started refusing us is not hammered for the rest of
// the run.
type HostBlocker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

// NewHostBlocker builds a blocker that trips after threshold refusals.
func NewHostBlocker(threshold int) *HostBlocker {
	if threshold <= 0 {
		threshold = defaultForbiddenAttempts
	}
	return &HostBlocker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

// IsBlocked reports whether host has tripped the threshold.
func (b *HostBlocker) IsBlocked(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[key]
	return ok
}

// MarkForbidden increments the counter for host and returns true once blocked.
func (b *HostBlocker) MarkForbidden(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.blocked[key]; blocked {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}

// Pauser abstracts how callers wait between politeness-bound operations.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPauser sleeps on a timer and aborts early when ctx ends.
type TimerPauser struct{}

// Pause waits for delay or until ctx is done, returning ctx.Err() in the
// latter case.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
