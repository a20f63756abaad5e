// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/crawler"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
)

// ErrHostBlocked is returned without a network round trip once a host has
// refused too many requests in this run.
var ErrHostBlocked = fmt.Errorf("host blocked after repeated refusals: %w", crawler.ErrPermanent)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	IgnoreRobots bool
	Timeout      time.Duration
	// Delay is the minimum gap between requests to the same domain.
	Delay      time.Duration
	MaxRetries int
	// ForbiddenThreshold trips the per-host block after this many 403/429s.
	ForbiddenThreshold int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	retry         crawler.RetryPolicy
	pauser        crawler.Pauser
	blocker       *crawler.HostBlocker
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Clones of the base collector share its HTTP backend,
// so the per-domain limit rule applies across every request.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("colly limit rule: %w", err)
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		retry:         crawler.NewExponentialRetryPolicy(cfg.MaxRetries),
		pauser:        crawler.TimerPauser{},
		blocker:       crawler.NewHostBlocker(cfg.ForbiddenThreshold),
		logger:        logging.OrNop(logger).Named("fetcher"),
	}, nil
}

// Fetch executes an HTTP GET using Colly, retrying transient failures.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	host := crawler.Host(request.URL)
	if f.blocker.IsBlocked(host) {
		return crawler.FetchResponse{}, ErrHostBlocked
	}
	return crawler.Retry(ctx, f.retry, f.pauser, func(ctx context.Context) (crawler.FetchResponse, error) {
		return f.fetchOnce(ctx, request, host)
	})
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest, host string) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		metrics.ObserveFetch(request.URL, "error", 0)
		f.logger.Debug("fetch failed", zap.String("source", request.Source), zap.String("url", request.URL), zap.Error(err))
		return crawler.FetchResponse{}, err
	}
	metrics.ObserveFetch(request.URL, strconv.Itoa(result.StatusCode), len(result.Body))
	if err := f.classifyStatus(host, result.StatusCode); err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

// classifyStatus maps non-success codes onto retryable or permanent errors.
func (f *Fetcher) classifyStatus(host string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		if f.blocker.MarkForbidden(host) {
			f.logger.Warn("host blocked for remainder of run", zap.String("host", host), zap.Int("status", code))
			return ErrHostBlocked
		}
		return fmt.Errorf("status %d", code)
	case code >= 500:
		return fmt.Errorf("status %d", code)
	default:
		return fmt.Errorf("status %d: %w", code, crawler.ErrPermanent)
	}
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	// The request inherits ctx, so cancelling a fetch aborts the HTTP round trip.
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = f.cfg.IgnoreRobots
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 && result.StatusCode == 0 {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			if errors.Is(err, colly.ErrRobotsTxtBlocked) {
				return fmt.Errorf("colly visit failed: %w: %w", err, crawler.ErrPermanent)
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		if len(values) == 0 {
			continue
		}
		// Set replaces colly's default Accept: */*.
		r.Headers.Set(key, values[0])
		for _, v := range values[1:] {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
