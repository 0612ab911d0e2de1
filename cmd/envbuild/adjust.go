package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/envbuild/internal/adjuster"
	"github.com/frederic-klein/envbuild/internal/compat"
	"github.com/frederic-klein/envbuild/internal/probe"
	"github.com/frederic-klein/envbuild/internal/reqfile"
)

type adjustOptions struct {
	runtimeVersion string
	compatTable    string
	python         string
}

func newAdjustCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &adjustOptions{}

	cmd := &cobra.Command{
		Use:   "adjust-versions <manifest-path>...",
		Short: "Align runtime constraints in requirement manifests with the installed runtime",
		Long: `Rewrite version constraints of the numerical runtime and its companion
libraries so that they admit the runtime installed in the active environment.

Unrelated lines are left byte-for-byte. Malformed lines are reported and kept.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdjust(rootOpts, opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.runtimeVersion, "runtime-version", "", "Installed runtime version; queried from --python when empty")
	cmd.Flags().StringVar(&opts.compatTable, "compat-table", "", "Compatibility table file or URL (default: built in)")
	cmd.Flags().StringVar(&opts.python, "python", "python", "Interpreter of the active environment")

	return cmd
}

func runAdjust(rootOpts *rootOptions, opts *adjustOptions, cmd *cobra.Command, args []string) error {
	logger := rootOpts.logger(cmd)
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return err
	}

	paths, err := reqfile.Expand(args)
	if err != nil {
		return err
	}

	runtimeVersion := opts.runtimeVersion
	if runtimeVersion == "" {
		runtimeVersion = cfg.Adjust.RuntimeVersion
	}
	if runtimeVersion == "" {
		prober := probe.New(rootOpts.newCommander(cfg, logger, cmd), opts.python)
		if runtimeVersion, err = prober.RuntimeVersion(cmd.Context()); err != nil {
			return fmt.Errorf("discovering runtime version: %w", err)
		}
	}
	logger.Info("adjusting manifests", "runtime", runtimeVersion, "files", len(paths))

	source := opts.compatTable
	if source == "" {
		source = cfg.Adjust.CompatTable
	}
	dl, err := rootOpts.newDownloader(cfg)
	if err != nil {
		return err
	}
	table, err := compat.NewLoader(dl).Load(cmd.Context(), source)
	if err != nil {
		return err
	}

	results, err := adjuster.New(logger).AdjustFiles(paths, runtimeVersion, table, cfg.Adjust.Rules...)
	for _, r := range results {
		logger.Info("adjusted manifest", "file", r.Path, "rewritten", r.Rewritten,
			"removed", r.Removed, "malformed", len(r.Warnings), "saved", r.Saved)
	}
	return err
}
