package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Load snapshot or export files into the relational store",
		Long: `Reads each JSON snapshot or export file, inserts the concerts the
store does not already hold and appends one import log row per file.
Re-importing a file inserts nothing.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, path := range args {
				rec, err := appInstance.Import(cmd.Context(), path)
				if err != nil {
					return fmt.Errorf("import %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, %d inserted, %d skipped\n",
					rec.SourceFile, rec.RecordCount, rec.InsertedCount, rec.SkippedCount)
			}
			return nil
		},
	}
	cmd.Flags().String("store", "sqlite", "relational store: sqlite or postgres")
	cmd.Flags().String("sqlite-path", "data/concerts.db", "SQLite database file")
	return cmd
}
