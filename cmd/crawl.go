package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	var (
		noStore bool
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl every configured source and refresh the catalog",
		Long: `Runs the source adapters for the selected tier, normalizes and
deduplicates the results, and writes the snapshot, exports, relational store,
archive and run notification. Interrupting a run keeps what was gathered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			params, err := appInstance.Params()
			if err != nil {
				return err
			}
			params.SkipStore = noStore

			summary, runErr := appInstance.Crawl(cmd.Context(), params)
			if runErr != nil {
				zap.L().Error("crawl finished with errors", zap.Error(runErr))
			}
			if !quiet && summary.RunID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				enc.SetEscapeHTML(false)
				if err := enc.Encode(summary); err != nil {
					return fmt.Errorf("print summary: %w", err)
				}
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.String("tier", "all", "tier to run: 1, 2, 3 or all")
	f.Int("timeout", 120, "per-adapter timeout in seconds")
	f.Float64("delay", 2, "pause between adapters in seconds")
	f.Int("concurrency", 1, "adapters run in parallel")
	f.StringSlice("disable", nil, "source slugs to skip")
	f.Bool("headless", true, "allow browser rendering")
	f.Bool("headful", false, "show the browser window")
	f.Bool("manual-verify", false, "pause for manual verification in headful runs")
	f.String("ai", "none", "AI extraction provider: gemini, anthropic or none")
	f.String("format", "json", "export format: json, excel, both or none")
	f.Bool("merge", false, "merge into the existing snapshot instead of replacing it")
	f.Bool("prune", false, "remove workbooks from earlier runs")
	f.String("store", "sqlite", "relational store: sqlite, postgres or none")
	f.String("archive", "none", "snapshot archive: gcs, local or none")
	f.BoolVar(&noStore, "no-store", false, "skip the relational store for this run")
	f.BoolVarP(&quiet, "quiet", "q", false, "do not print the run summary")
	return cmd
}
