package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/concert-crawler/internal/crawler"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
)

// ErrSessionClosed is returned by Render after Close.
var ErrSessionClosed = errors.New("browser: session closed")

// Session is one launched browser bound to a source. It must be confined to
// a single adapter and closed when done.
type Session struct {
	launcher   *Launcher
	source     string
	config     LaunchConfig
	statePath  string
	browserCtx context.Context
	cancel     context.CancelFunc
	release    func()

	mu       sync.Mutex
	closed   bool
	verified bool
}

// Render navigates to rawURL and returns the settled document.
func (s *Session) Render(ctx context.Context, rawURL string) (crawler.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return crawler.Page{}, ErrSessionClosed
	}

	if err := s.launcher.waitDomainBudget(ctx, rawURL); err != nil {
		return crawler.Page{}, fmt.Errorf("render rate limit: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()

	meta := newResponseMeta()
	idle := newIdleWatcher()
	chromedp.ListenTarget(tabCtx, func(ev any) {
		meta.captureEvent(ev)
		idle.captureEvent(ev)
	})

	// The tab's event loop lives as long as the context of its first Run, so
	// attach it on tabCtx before any bounded step.
	stopTab := forwardCancel(ctx, cancelTab)
	defer stopTab()
	if err := chromedp.Run(tabCtx); err != nil {
		return crawler.Page{}, fmt.Errorf("open tab: %w", err)
	}

	start := time.Now()
	navCtx, endNav := s.step(ctx, tabCtx)
	defer endNav()
	if err := chromedp.Run(navCtx,
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(context.Context) error {
			idle.arm()
			return nil
		}),
		chromedp.Navigate(rawURL),
	); err != nil {
		return crawler.Page{}, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	settled := s.waitSettled(navCtx, idle)
	endNav()

	if err := s.verify(ctx, rawURL); err != nil {
		return crawler.Page{}, err
	}

	// The operator may take longer than NavTimeout, so capture gets its own bound.
	captureCtx, endCapture := s.step(ctx, tabCtx)
	defer endCapture()
	var html, finalURL string
	if err := chromedp.Run(captureCtx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return crawler.Page{}, fmt.Errorf("capture %s: %w", rawURL, err)
	}

	if err := s.persistState(captureCtx); err != nil {
		s.launcher.logger.Warn("session state not saved", zap.String("source", s.source), zap.Error(err))
	}

	status, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	return crawler.Page{
		URL:        rawURL,
		FinalURL:   responseURL,
		StatusCode: status,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Settled:    settled,
	}, nil
}

// step derives a context for one render step on the tab. It expires after
// NavTimeout and is cancelled with ctx. The returned func is idempotent.
func (s *Session) step(ctx, tabCtx context.Context) (context.Context, func()) {
	stepCtx, cancel := context.WithTimeout(tabCtx, s.launcher.cfg.NavTimeout)
	stop := forwardCancel(ctx, cancel)
	var once sync.Once
	return stepCtx, func() {
		once.Do(func() {
			stop()
			cancel()
		})
	}
}

// verify blocks on the prompter the first time a headful session with manual
// verification renders. It is bounded only by ctx.
func (s *Session) verify(ctx context.Context, rawURL string) error {
	if !s.launcher.cfg.ManualVerify || s.config.Headless || s.verified || s.launcher.prompter == nil {
		return nil
	}
	if err := s.launcher.prompter.Prompt(ctx, s.source, rawURL); err != nil {
		return fmt.Errorf("manual verification: %w", err)
	}
	s.verified = true
	return nil
}

// waitSettled waits for network quiescence up to the configured bound, then
// falls back to the grace delay. It reports whether quiescence was seen.
func (s *Session) waitSettled(ctx context.Context, idle *idleWatcher) bool {
	cfg := s.launcher.cfg
	timer := time.NewTimer(cfg.QuiescenceTimeout)
	defer timer.Stop()
	select {
	case <-idle.done:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	s.launcher.logger.Debug("network never settled, using grace delay",
		zap.String("source", s.source), zap.Duration("grace", cfg.GraceDelay))
	_ = crawler.TimerPauser{}.Pause(ctx, cfg.GraceDelay)
	return false
}

// Close stops the browser and releases the source's handle. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	s.release()
	return nil
}

func (s *Session) restoreState() error {
	st, err := loadState(s.statePath)
	if err != nil {
		return err
	}
	params := cookieParams(st.Cookies, time.Now())
	if len(params) == 0 {
		return nil
	}
	if err := chromedp.Run(s.browserCtx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("restore cookies: %w", err)
	}
	return nil
}

func (s *Session) persistState(ctx context.Context) error {
	var cookies []*network.Cookie
	if err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	})); err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	return saveState(s.statePath, sessionState{
		Source:  s.source,
		SavedAt: time.Now().UTC(),
		Cookies: fromNetworkCookies(cookies),
	})
}

func (l *Launcher) waitDomainBudget(ctx context.Context, rawURL string) error {
	if l.cfg.RenderQPS <= 0 {
		return nil
	}
	host := crawler.Host(rawURL)
	if host == "" {
		return fmt.Errorf("parse render url %q", rawURL)
	}
	val, _ := l.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(l.cfg.RenderQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	metrics.ObserveRateLimitDelay(host, time.Since(start))
	return nil
}

// idleWatcher closes done on the first networkIdle lifecycle event that
// belongs to the navigation started after arm.
type idleWatcher struct {
	mu     sync.Mutex
	armed  bool
	loader string
	once   sync.Once
	done   chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{done: make(chan struct{})}
}

func (w *idleWatcher) arm() {
	w.mu.Lock()
	w.armed = true
	w.mu.Unlock()
}

func (w *idleWatcher) captureEvent(ev any) {
	lc, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	w.observe(lc.Name, string(lc.LoaderID))
}

func (w *idleWatcher) observe(name, loader string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	switch name {
	case "init":
		w.loader = loader
	case "networkIdle":
		if w.loader != "" && loader == w.loader {
			w.once.Do(func() { close(w.done) })
		}
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case strings.TrimSpace(finalURL) != "" && finalURL != "about:blank":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
