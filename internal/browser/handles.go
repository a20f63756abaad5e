package browser

import (
	"context"
	"sync"
)

// handles hands out one exclusive token per source.
type handles struct {
	mu     sync.Mutex
	tokens map[string]chan struct{}
}

func newHandles() *handles {
	return &handles{tokens: make(map[string]chan struct{})}
}

func (h *handles) token(source string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	tok, ok := h.tokens[source]
	if !ok {
		tok = make(chan struct{}, 1)
		h.tokens[source] = tok
	}
	return tok
}

// acquire blocks until the source is free or ctx ends. The returned release
// is idempotent.
func (h *handles) acquire(ctx context.Context, source string) (func(), error) {
	tok := h.token(source)
	select {
	case tok <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-tok })
	}, nil
}
