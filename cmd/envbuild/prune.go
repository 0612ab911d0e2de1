package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/envbuild/internal/adjuster"
	"github.com/frederic-klein/envbuild/internal/reqfile"
)

func newPruneCommand(rootOpts *rootOptions) *cobra.Command {
	var reqFiles []string

	cmd := &cobra.Command{
		Use:   "prune-packages <name>... --req-files <path|glob>...",
		Short: "Remove packages from requirement manifests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := rootOpts.logger(cmd)

			paths, err := reqfile.Expand(reqFiles)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no requirement files given")
			}

			results, err := adjuster.New(logger).PruneFiles(paths, args)
			for _, r := range results {
				logger.Info("pruned manifest", "file", r.Path, "removed", r.Removed,
					"malformed", len(r.Warnings), "saved", r.Saved)
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&reqFiles, "req-files", nil, "Requirement files or doublestar globs, e.g. 'requirements/**/*.txt'")
	_ = cmd.MarkFlagRequired("req-files")

	return cmd
}
