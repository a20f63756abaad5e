// Package browser launches rendered-page sessions for adapters that need a
// real browser. It walks an ordered table of launch configurations,
// serializes access per source, and persists each source's cookies so a
// manual verification done once in a headful run carries over to later
// unattended runs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/crawler"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
)

// ErrLaunchExhausted is returned when every launch configuration failed.
var ErrLaunchExhausted = errors.New("browser: all launch configurations failed")

// ErrEngineNotFound marks a configuration whose browser binary is missing.
var ErrEngineNotFound = errors.New("browser: engine executable not found")

// Engine identifies a browser binary. An empty Candidates list lets chromedp
// locate its default Chromium build.
type Engine struct {
	Name       string
	Candidates []string
}

// Engines known to the launcher.
var (
	EngineChromium = Engine{Name: "chromium"}
	EngineChrome   = Engine{Name: "chrome", Candidates: []string{
		"google-chrome", "google-chrome-stable", "chrome",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
	}}
	EngineEdge = Engine{Name: "msedge", Candidates: []string{
		"microsoft-edge", "microsoft-edge-stable", "msedge",
		"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
	}}
)

// LaunchConfig is one row of the fallback table.
type LaunchConfig struct {
	Engine   Engine
	Headless bool
	// HideAutomation disables the Blink automation-controlled marker.
	HideAutomation bool
}

// Name labels the configuration in logs and metrics.
func (c LaunchConfig) Name() string {
	mode := "headful"
	if c.Headless {
		mode = "headless"
	}
	return c.Engine.Name + "-" + mode
}

// LaunchTable returns the ordered configurations to try. Headful mode is
// used when manual verification was requested; it still ends with a headless
// attempt so an unattended machine without a display can make progress.
func LaunchTable(headful bool) []LaunchConfig {
	if headful {
		return []LaunchConfig{
			{Engine: EngineChromium, Headless: false, HideAutomation: true},
			{Engine: EngineChrome, Headless: false},
			{Engine: EngineEdge, Headless: false},
			{Engine: EngineChromium, Headless: true},
		}
	}
	return []LaunchConfig{
		{Engine: EngineChromium, Headless: true, HideAutomation: true},
		{Engine: EngineChrome, Headless: true},
		{Engine: EngineEdge, Headless: true},
		{Engine: EngineChromium, Headless: false},
		{Engine: EngineChrome, Headless: false},
		{Engine: EngineEdge, Headless: false},
	}
}

// Config controls the launcher.
type Config struct {
	Headful      bool
	ManualVerify bool
	UserAgent    string
	StateDir     string
	// NavTimeout bounds one render, including the quiescence wait.
	NavTimeout time.Duration
	// QuiescenceTimeout bounds the wait for the network-idle signal.
	QuiescenceTimeout time.Duration
	// GraceDelay is slept when quiescence is never observed.
	GraceDelay time.Duration
	// RenderQPS caps renders per host; zero disables the cap.
	RenderQPS float64
}

func (c Config) withDefaults() Config {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 60 * time.Second
	}
	if c.QuiescenceTimeout <= 0 {
		c.QuiescenceTimeout = 10 * time.Second
	}
	if c.GraceDelay < 0 {
		c.GraceDelay = 0
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}
	return c
}

// startFunc launches a browser for cfg and returns its root context.
type startFunc func(ctx context.Context, cfg LaunchConfig, userAgent string) (context.Context, context.CancelFunc, error)

// Launcher opens browser sessions. It is safe for concurrent use; sessions
// for the same source are serialized.
type Launcher struct {
	cfg      Config
	start    startFunc
	handles  *handles
	limiters sync.Map
	prompter Prompter
	logger   *zap.Logger
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithPrompter sets the manual verification prompter used in headful runs.
func WithPrompter(p Prompter) Option {
	return func(l *Launcher) { l.prompter = p }
}

// NewLauncher builds a Launcher backed by chromedp.
func NewLauncher(cfg Config, logger *zap.Logger, opts ...Option) *Launcher {
	l := &Launcher{
		cfg:     cfg.withDefaults(),
		start:   startChromedp,
		handles: newHandles(),
		logger:  logging.OrNop(logger).Named("browser"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open acquires the source's session handle and starts the first browser
// configuration that launches. The handle is held until the session closes.
func (l *Launcher) Open(ctx context.Context, source string) (crawler.BrowserSession, error) {
	slug := crawler.Slug(source)
	release, err := l.handles.acquire(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("acquire session %s: %w", slug, err)
	}

	var attempts []error
	for _, cfg := range LaunchTable(l.cfg.Headful) {
		if err := ctx.Err(); err != nil {
			release()
			return nil, fmt.Errorf("open session %s: %w", slug, err)
		}
		browserCtx, cancel, err := l.start(ctx, cfg, l.cfg.UserAgent)
		if err != nil {
			metrics.ObserveLaunch(cfg.Name(), "error")
			l.logger.Debug("launch attempt failed", zap.String("source", slug), zap.String("config", cfg.Name()), zap.Error(err))
			attempts = append(attempts, fmt.Errorf("%s: %w", cfg.Name(), err))
			continue
		}
		metrics.ObserveLaunch(cfg.Name(), "ok")
		l.logger.Debug("browser launched", zap.String("source", slug), zap.String("config", cfg.Name()))

		s := &Session{
			launcher:   l,
			source:     slug,
			config:     cfg,
			statePath:  StatePath(l.cfg.StateDir, slug),
			browserCtx: browserCtx,
			cancel:     cancel,
			release:    release,
		}
		if err := s.restoreState(); err != nil {
			l.logger.Debug("session state not restored", zap.String("source", slug), zap.Error(err))
		}
		return s, nil
	}

	release()
	return nil, errors.Join(append([]error{ErrLaunchExhausted}, attempts...)...)
}

// StatePath is where a source's session state is persisted.
func StatePath(dir, slug string) string {
	return filepath.Join(dir, slug+"_state.json")
}

func startChromedp(ctx context.Context, cfg LaunchConfig, userAgent string) (context.Context, context.CancelFunc, error) {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.HideAutomation {
		opts = append(opts, chromedp.Flag("disable-blink-features", "AutomationControlled"))
	}
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}
	if len(cfg.Engine.Candidates) > 0 {
		path, err := lookupEngine(cfg.Engine)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, chromedp.ExecPath(path))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return browserCtx, func() {
		browserCancel()
		allocCancel()
	}, nil
}

func lookupEngine(engine Engine) (string, error) {
	for _, candidate := range engine.Candidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s: %w", engine.Name, ErrEngineNotFound)
}

// Noop is a launcher that never starts a browser, used when rendering is
// disabled by configuration.
type Noop struct{}

// Open always fails with ErrLaunchExhausted.
func (Noop) Open(context.Context, string) (crawler.BrowserSession, error) {
	return nil, fmt.Errorf("rendering disabled: %w", ErrLaunchExhausted)
}
