package crawler

import (
	"net/http"
	"time"
)

// FetchRequest captures everything needed to fetch a URL over plain HTTP.
type FetchRequest struct {
	URL     string
	Headers http.Header
	// Source labels the request for logs and metrics.
	Source string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Page is a rendered document captured from a browser session.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	// Settled reports whether network quiescence was observed before capture.
	Settled bool
}
