package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/concert-crawler/internal/crawler"
)

type instantPauser struct{}

func (instantPauser) Pause(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	cfg.IgnoreRobots = true
	f, err := New(cfg, nil)
	require.NoError(t, err)
	f.pauser = instantPauser{}
	return f
}

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, []string{"application/json"}, r.Header.Values("Accept"))
		require.Equal(t, "concert-agent", r.UserAgent())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"title":"A"}]`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{UserAgent: "concert-agent", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/events.json",
		Headers: http.Header{"Accept": {"application/json"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `[{"title":"A"}]`, string(resp.Body))
	require.Equal(t, "application/json", resp.ContentType())
}

func TestFetchKeepsRepeatedHeaderValues(t *testing.T) {
	t.Parallel()

	seen := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Values("Accept-Language")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"Accept-Language": {"zh-TW", "en"}, "X-Empty": nil},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"zh-TW", "en"}, <-seen)
}

func TestFetchCancelAbortsInFlightRequest(t *testing.T) {
	t.Parallel()

	aborted := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			aborted <- true
		case <-time.After(3 * time.Second):
			aborted <- false
			_, _ = w.Write([]byte("late"))
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{Timeout: 10 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	select {
	case got := <-aborted:
		require.True(t, got, "server handler ran to completion")
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the request ending")
	}
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxRetries: 3})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, crawler.ErrPermanent)
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxRetries: 2})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchBlocksHostAfterRefusals(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxRetries: 0, ForbiddenThreshold: 2})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/a"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrHostBlocked)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/b"})
	require.ErrorIs(t, err, ErrHostBlocked)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/c"})
	require.ErrorIs(t, err, ErrHostBlocked)
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcher(t, Config{Timeout: 10 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{UserAgent: "coverage-agent", Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collector := f.buildCollector(ctx, crawler.FetchRequest{URL: "https://example.com"}, time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	require.Equal(t, ctx, collector.Context)
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.True(t, collector.IgnoreRobotsTxt)
	require.True(t, collector.AllowURLRevisit)
	require.True(t, collector.ParseHTTPErrorResponse)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{})
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{"X-Trace": {"default"}}}
	hooks.onRequest(collyReq)
	require.Equal(t, []string{"yes"}, collyReq.Headers.Values("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(crawler.FetchRequest{}, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
