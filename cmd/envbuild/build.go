package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/envbuild/internal/config"
	"github.com/frederic-klein/envbuild/internal/pipeline"
	"github.com/frederic-klein/envbuild/internal/stages"
)

type buildOptions struct {
	metricsFile string
}

func newBuildCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the full build: provision, materialize, adjust, install, verify",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(rootOpts, opts, cmd, true, func(b *stages.Builder) []pipeline.Stage {
				return b.All()
			})
		},
	}
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write stage metrics in Prometheus text format")

	return cmd
}

func newVerifyCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that critical packages are installed at acceptable versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(rootOpts, opts, cmd, false, func(b *stages.Builder) []pipeline.Stage {
				return []pipeline.Stage{b.Verify()}
			})
		},
	}
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write stage metrics in Prometheus text format")

	return cmd
}

func runPipeline(rootOpts *rootOptions, opts *buildOptions, cmd *cobra.Command, lock bool,
	pick func(*stages.Builder) []pipeline.Stage) error {
	logger := rootOpts.logger(cmd)
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if opts.metricsFile != "" {
		cfg.MetricsFile = opts.metricsFile
	}

	dl, err := rootOpts.newDownloader(cfg)
	if err != nil {
		return err
	}
	metrics := pipeline.NewMetrics()
	builder := stages.New(cfg, rootOpts.newCommander(cfg, logger, cmd), dl, logger)
	runner := pipeline.NewRunner(logger, metrics, pick(builder)...)

	if lock {
		l, err := pipeline.AcquireLock(cfg.LockPath(), runner.RunID())
		if err != nil {
			return err
		}
		defer func() {
			if err := l.Release(); err != nil {
				runner.Logger().Warn("cannot release lock", "error", err)
			}
		}()
	}

	err = runner.Run(cmd.Context())
	writeMetrics(cfg, metrics, runner.Logger())
	if err != nil {
		runner.Logger().Error("build failed", "class", failureClass(err), "error", err)
	}
	return err
}

func writeMetrics(cfg *config.Config, metrics *pipeline.Metrics, logger *slog.Logger) {
	if cfg.MetricsFile == "" {
		return
	}
	if err := metrics.WriteFile(cfg.MetricsFile); err != nil {
		logger.Warn("cannot write metrics", "file", cfg.MetricsFile, "error", err)
	}
}

// failureClass names the kind of failure for the final log line.
func failureClass(err error) string {
	var (
		verifyErr  *pipeline.VerificationError
		installErr *pipeline.InstallError
		provErr    *pipeline.ProvisionError
	)
	switch {
	case errors.As(err, &verifyErr):
		return "verification"
	case errors.As(err, &installErr):
		return "install"
	case errors.As(err, &provErr):
		return "provision"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	}
	return "fatal"
}
