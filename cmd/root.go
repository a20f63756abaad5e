// Package cmd defines the concert-crawler CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/app"
	"github.com/JakeFAU/concert-crawler/internal/config"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/sink"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the surface commands use. Tests inject a fake through newApp.
type App interface {
	Params() (app.CrawlParams, error)
	Crawl(ctx context.Context, p app.CrawlParams) (sink.RunSummary, error)
	Import(ctx context.Context, path string) (sink.ImportRecord, error)
	Serve(ctx context.Context) error
	History(ctx context.Context) (app.History, error)
	Close()
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

// flagKeys maps command flags onto config keys. Each command defines the
// subset it accepts.
var flagKeys = map[string]string{
	"tier":          "crawler.tier",
	"timeout":       "crawler.adapter_timeout_seconds",
	"delay":         "crawler.delay_seconds",
	"concurrency":   "crawler.concurrency",
	"disable":       "crawler.disabled_sources",
	"headless":      "headless.enabled",
	"headful":       "headless.headful",
	"manual-verify": "headless.manual_verify",
	"ai":            "ai.provider",
	"format":        "export.format",
	"merge":         "export.merge",
	"prune":         "export.prune",
	"store":         "store.driver",
	"sqlite-path":   "store.sqlite_path",
	"archive":       "archive.driver",
	"port":          "server.port",
	"api-key":       "server.api_key",
}

type rootOptions struct {
	cfgFile string
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "concert-crawler",
		Short: "Collects concert listings from ticketing sites and serves them.",
		Long: `concert-crawler visits a fixed registry of ticketing and event sites,
normalizes what it finds into one deduplicated catalog, persists it as a
JSON snapshot plus optional exports, a relational store and an archive,
and serves the catalog over a small read-only HTTP API.`,
		SilenceUsage: true,

		// Build the application once the command's own flags are parsed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile, config.WithFlags(cmd.Flags(), flagKeys))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			opts.logger = logger
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newCrawlCmd(), newImportCmd(), newServeCmd(), newHistoryCmd())
	return cmd
}

// Execute runs the CLI until it finishes or receives SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
