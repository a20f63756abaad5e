package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the import audit log and the exports on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			h, err := appInstance.History(cmd.Context())
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IMPORTED AT\tFILE\tRECORDS\tINSERTED\tSKIPPED")
			for _, rec := range h.Imports {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", rec.ImportedAt.Format(time.RFC3339),
					rec.SourceFile, rec.RecordCount, rec.InsertedCount, rec.SkippedCount)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d exports\n", len(h.Exports))
			for _, stamp := range h.Exports {
				fmt.Fprintln(cmd.OutOrStdout(), "  "+stamp)
			}
			return nil
		},
	}
}
