package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog over HTTP",
		Long: `Starts the read-only catalog API. Every request re-resolves the
catalog, so a crawl finishing in another process is visible immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context())
		},
	}
	cmd.Flags().Int("port", 8080, "listen port")
	cmd.Flags().String("api-key", "", "require this key on /v1 routes")
	return cmd
}
