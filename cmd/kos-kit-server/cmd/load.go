package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newLoadCmd creates the load command.
func newLoadCmd() *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "load <path>",
		Short: "Bulk load an N-Triples file or directory",
		Long: `Load parses one .nt/.nt.gz file, or every such file in a directory,
into the triple store and rebuilds the text index. The load is
all-or-nothing: a parse error anywhere aborts before any data lands.

Loading into a non-empty store requires --reset.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			report, err := a.loader.LoadInit(cmd.Context(), args[0], reset)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Loaded %d triples (%d subjects) from %d file(s) in %s\n",
				report.Triples, report.Subjects, report.Files,
				report.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "Replace existing data")

	return cmd
}
