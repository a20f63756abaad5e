// Package app builds the crawl pipeline and the read service from
// configuration and holds the long-lived clients they share.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/adapter"
	"github.com/JakeFAU/concert-crawler/internal/ai"
	"github.com/JakeFAU/concert-crawler/internal/api"
	"github.com/JakeFAU/concert-crawler/internal/browser"
	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/catalog/resolver"
	"github.com/JakeFAU/concert-crawler/internal/clock/system"
	"github.com/JakeFAU/concert-crawler/internal/config"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/concert-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/concert-crawler/internal/hash/sha256"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/orchestrator"
	memorypublisher "github.com/JakeFAU/concert-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/concert-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/concert-crawler/internal/sink"
	pgsink "github.com/JakeFAU/concert-crawler/internal/sink/postgres"
	"github.com/JakeFAU/concert-crawler/internal/sink/sqlstore"
	gcsstorage "github.com/JakeFAU/concert-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/concert-crawler/internal/storage/local"
)

// ErrNoStore is returned by Import when no relational store is configured.
var ErrNoStore = errors.New("app: no relational store configured")

// App holds the pipeline components.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	hasher crawler.Hasher

	adapters     []adapter.Adapter
	orchestrator *orchestrator.Orchestrator
	normalizer   *catalog.Normalizer
	snapshot     *sink.SnapshotWriter
	exporter     *sink.ExportWriter
	store        sink.EventStore
	archiver     *sink.Archiver
	notifier     *sink.Notifier
	resolver     *resolver.Resolver
	service      *catalog.Service

	publisher crawler.Publisher
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Option customizes Build.
type Option func(*App)

// WithAdapters replaces the adapters built from the source registry.
func WithAdapters(adapters []adapter.Adapter) Option {
	return func(a *App) { a.adapters = adapters }
}

// WithPublisher replaces the run notification publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithClock replaces the clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// Build creates the application's dependencies. Clients are closed by Close
// even when Build fails part way.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		clock:  system.New(),
		hasher: sha256.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger.Info("building application dependencies",
		zap.String("tier", cfg.Crawler.Tier),
		zap.String("store", cfg.Store.Driver),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("ai", cfg.AI.Provider))

	steps := []func(context.Context) error{
		a.setupAdapters,
		a.setupSinks,
		a.setupStore,
		a.setupArchive,
		a.setupPublisher,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.orchestrator = orchestrator.New(a.adapters,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithClock(a.clock))
	a.resolver = resolver.New(a.logger,
		resolver.SnapshotProvider{Label: "primary", Path: cfg.Catalog.SnapshotPath, AcceptEmpty: true},
		resolver.SnapshotProvider{Label: "secondary", Path: cfg.Catalog.SecondaryPath},
		resolver.LatestExportProvider{Dir: cfg.Catalog.ExportDir, Patterns: cfg.Catalog.ExportPatterns},
	)
	a.service = catalog.NewService(a.resolver)
	return a, nil
}

func (a *App) setupAdapters(ctx context.Context) error {
	if a.adapters != nil {
		a.normalizer = catalog.NewNormalizer(nil)
		return nil
	}
	all, err := adapter.DefaultSources()
	if err != nil {
		return fmt.Errorf("load source registry: %w", err)
	}
	sources := adapter.Filter(all, a.cfg.Crawler.DisabledSources)
	a.normalizer = catalog.NewNormalizer(knownSources(sources))

	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:          a.cfg.Crawler.UserAgent,
		IgnoreRobots:       a.cfg.Crawler.IgnoreRobots,
		Timeout:            a.cfg.HTTPTimeout(),
		Delay:              a.cfg.Delay(),
		MaxRetries:         a.cfg.Crawler.MaxRetries,
		ForbiddenThreshold: 3,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("fetcher init failed: %w", err)
	}

	var launcher crawler.SessionLauncher = browser.Noop{}
	if a.cfg.Headless.Enabled {
		var opts []browser.Option
		if a.cfg.Headless.Interactive() {
			opts = append(opts, browser.WithPrompter(browser.LinePrompter{In: os.Stdin, Out: os.Stderr}))
		}
		launcher = browser.NewLauncher(browser.Config{
			Headful:           a.cfg.Headless.Headful,
			ManualVerify:      a.cfg.Headless.ManualVerify,
			UserAgent:         a.cfg.Crawler.UserAgent,
			StateDir:          a.cfg.Headless.StateDir,
			NavTimeout:        time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
			QuiescenceTimeout: time.Duration(a.cfg.Headless.QuiescenceTimeoutSeconds) * time.Second,
			GraceDelay:        time.Duration(a.cfg.Headless.GraceDelaySeconds) * time.Second,
			RenderQPS:         a.cfg.Headless.RenderQPS,
		}, a.logger, opts...)
	}

	completer, err := newCompleter(ctx, a.cfg.AI)
	if err != nil {
		return fmt.Errorf("ai init failed: %w", err)
	}
	extractor := ai.NewExtractor(completer, a.cfg.AI.MaxMarkupBytes,
		time.Duration(a.cfg.AI.TimeoutSeconds)*time.Second, a.logger)

	a.adapters = adapter.Build(sources, adapter.Deps{
		Fetcher:   fetcher,
		Launcher:  launcher,
		Extractor: extractor,
		Logger:    a.logger,
	})
	a.logger.Info("adapters built",
		zap.Int("sources", len(sources)),
		zap.Bool("headless", a.cfg.Headless.Enabled),
		zap.Bool("ai", extractor.Available()))
	return nil
}

func newCompleter(ctx context.Context, cfg config.AIConfig) (ai.Completer, error) {
	switch cfg.Provider {
	case "gemini":
		return ai.NewGemini(ctx, cfg.APIKey, cfg.Model)
	case "anthropic":
		return ai.NewAnthropic(cfg.APIKey, cfg.Model)
	default:
		return ai.Noop{}, nil
	}
}

// knownSources derives link backfill entries from the registry, ahead of the
// built-in table.
func knownSources(sources []adapter.Source) []catalog.KnownSource {
	out := make([]catalog.KnownSource, 0, len(sources)+len(catalog.DefaultKnownSources))
	for _, src := range sources {
		landing := src.PlaceholderURL
		if landing == "" {
			landing = src.BaseURL
		}
		if landing == "" {
			continue
		}
		out = append(out, catalog.KnownSource{Keys: []string{src.Slug, src.Name}, Landing: landing})
	}
	return append(out, catalog.DefaultKnownSources...)
}

func (a *App) setupSinks(context.Context) error {
	format, err := sink.ParseFormat(a.cfg.Export.Format)
	if err != nil {
		return err
	}
	a.snapshot = sink.NewSnapshotWriter(a.cfg.Catalog.SnapshotPath, a.cfg.Export.Merge, a.logger)
	a.exporter = sink.NewExportWriter(sink.ExportConfig{
		Dir:    a.cfg.Catalog.ExportDir,
		Format: format,
		Prune:  a.cfg.Export.Prune,
	}, a.logger)
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "sqlite":
		s, err := sqlstore.Open(a.cfg.Store.SQLitePath, sqlstore.WithClock(a.clock), sqlstore.WithLogger(a.logger))
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = s
		a.logger.Info("sqlite store opened", zap.String("path", a.cfg.Store.SQLitePath))
	case "postgres":
		s, err := pgsink.New(ctx, pgsink.Config{DSN: a.cfg.Store.PostgresDSN}, a.logger)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		s.WithClock(a.clock)
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return err
		}
		a.store = s
		a.logger.Info("postgres store connected")
	default:
		a.logger.Info("relational store disabled")
		return nil
	}
	a.closers = append(a.closers, namedCloser{name: "store", close: a.store.Close})
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	var blobs crawler.BlobStore
	switch a.cfg.Archive.Driver {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "gcs", close: client.Close})
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving snapshots to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		var err error
		blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving snapshots locally", zap.String("dir", a.cfg.Archive.Dir))
	default:
		return nil
	}
	a.archiver = sink.NewArchiver(blobs, a.cfg.Archive.Prefix, a.logger)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.publisher == nil {
		if a.cfg.PubSub.TopicName == "" {
			a.logger.Info("no Pub/Sub topic configured, run summaries stay in memory")
			a.publisher = memorypublisher.New()
		} else {
			p, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger)
			if err != nil {
				return fmt.Errorf("pubsub init failed: %w", err)
			}
			a.closers = append(a.closers, namedCloser{name: "pubsub", close: p.Close})
			a.publisher = p
			a.logger.Info("Pub/Sub publisher initialized",
				zap.String("project", a.cfg.PubSub.ProjectID),
				zap.String("topic", a.cfg.PubSub.TopicName))
		}
	}
	a.notifier = sink.NewNotifier(a.publisher, a.cfg.PubSub.TopicName, a.logger)
	return nil
}

// Service returns the catalog read service.
func (a *App) Service() *catalog.Service {
	return a.service
}

// Serve runs the read API until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	var opts []api.Option
	if a.cfg.Server.APIKey != "" {
		opts = append(opts, api.WithAPIKey(a.cfg.Server.APIKey))
	}
	opts = append(opts, api.WithRequestTimeout(a.cfg.RequestTimeout()))
	apiServer := api.NewServer(a.service, a.logger, opts...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every client in reverse creation order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// Import loads a snapshot or export file into the relational store.
func (a *App) Import(ctx context.Context, path string) (sink.ImportRecord, error) {
	if a.store == nil {
		return sink.ImportRecord{}, ErrNoStore
	}
	// #nosec G304 -- the operator names the file to import.
	data, err := os.ReadFile(path)
	if err != nil {
		return sink.ImportRecord{}, fmt.Errorf("read import file: %w", err)
	}
	parsed, err := resolver.Parse(data)
	if err != nil {
		return sink.ImportRecord{}, fmt.Errorf("parse import file %s: %w", path, err)
	}
	entries := make([]catalog.Entry, 0, len(parsed))
	for _, e := range parsed {
		if ce, ok := a.normalizer.Canonicalize(e); ok {
			entries = append(entries, ce)
		}
	}
	digest, err := a.hasher.Hash(data)
	if err != nil {
		return sink.ImportRecord{}, fmt.Errorf("digest import file: %w", err)
	}
	return a.store.Import(ctx, filepath.Base(path), digest, catalog.Dedupe(entries))
}

// History describes what earlier runs produced.
type History struct {
	Imports []sink.ImportRecord `json:"imports"`
	// Exports holds export stamps, newest first.
	Exports []string `json:"exports"`
}

// History lists the import audit log and the export stamps on disk.
func (a *App) History(ctx context.Context) (History, error) {
	var h History
	if log, ok := a.store.(sink.AuditLog); ok {
		imports, err := log.ImportLog(ctx)
		if err != nil {
			return History{}, err
		}
		h.Imports = imports
	}
	stamps, err := sink.ExportStamps(a.cfg.Catalog.ExportDir, sink.DefaultExportBase)
	if err != nil {
		return History{}, err
	}
	h.Exports = stamps
	return h, nil
}
