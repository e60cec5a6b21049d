package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kos-kit/kos-kit-server/internal/store"
)

// statusInfo is the status command's output shape.
type statusInfo struct {
	StorePath string       `json:"store_path"`
	IndexPath string       `json:"index_path"`
	Triples   int64        `json:"triples"`
	Subjects  int          `json:"subjects"`
	Documents uint64       `json:"documents"`
	Revision  uint64       `json:"revision"`
	Stamp     *store.Stamp `json:"stamp"`
	InSync    bool         `json:"in_sync"`
}

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store and index state",
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

			ctx := cmd.Context()
			info := statusInfo{StorePath: cfg.Store.Path, IndexPath: cfg.Index.Path}
			if info.Triples, err = a.store.Count(ctx); err != nil {
				return err
			}
			subjects, err := a.store.Subjects(ctx)
			if err != nil {
				return err
			}
			info.Subjects = len(subjects)
			if info.Documents, err = a.index.Count(); err != nil {
				return err
			}
			if info.Revision, err = a.store.Revision(ctx); err != nil {
				return err
			}
			if info.Stamp, err = a.index.ReadStamp(); err != nil {
				return err
			}
			info.InSync = info.Stamp != nil && info.Stamp.Revision == info.Revision

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store:     %s (%d triples, %d subjects, revision %d)\n",
				info.StorePath, info.Triples, info.Subjects, info.Revision)
			fmt.Fprintf(out, "Index:     %s (%d documents)\n", info.IndexPath, info.Documents)
			if info.Stamp == nil {
				fmt.Fprintln(out, "Stamp:     missing (rebuild required)")
			} else {
				fmt.Fprintf(out, "Stamp:     revision %d (%s)\n",
					info.Stamp.Revision, info.Stamp.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			if info.InSync {
				fmt.Fprintln(out, "In sync:   yes")
			} else {
				fmt.Fprintln(out, "In sync:   no (next serve will rebuild)")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	return cmd
}
