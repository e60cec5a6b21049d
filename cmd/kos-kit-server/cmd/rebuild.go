package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRebuildCmd creates the rebuild command.
func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the text index from the triple store",
		Long: `Rebuild discards the text index and re-derives every document from the
store, then writes a fresh integrity stamp. Use it after changing
projection rules or when the index is suspect.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, cleanup, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.coord.RebuildAll(cmd.Context(), cfg.Index.RebuildBatchSize); err != nil {
				return err
			}
			docs, err := a.index.Count()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt index: %d documents\n", docs)
			return nil
		},
	}
}
