package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/envbuild/internal/config"
	"github.com/frederic-klein/envbuild/internal/downloader"
	"github.com/frederic-klein/envbuild/internal/shell"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	verbose    bool
	logFormat  string // "text" | "json"
	configPath string
	workers    int

	commander shell.Commander
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(nil).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. A nil commander runs real
// commands.
func newRootCommand(commander shell.Commander) *cobra.Command {
	opts := &rootOptions{commander: commander}

	cmd := &cobra.Command{
		Use:   "envbuild",
		Short: "Build reproducible GPU training environments",
		Long: "envbuild provisions a base system, materializes a conda environment, " +
			"aligns requirement manifests with the installed runtime and installs them.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logFormat != "text" && opts.logFormat != "json" {
				return fmt.Errorf("invalid log format %q: must be text or json", opts.logFormat)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text|json)")
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Build configuration file")
	cmd.PersistentFlags().IntVarP(&opts.workers, "workers", "w", 4, "Parallel download workers")

	cmd.AddCommand(newAdjustCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))
	cmd.AddCommand(newBuildCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))

	return cmd
}

func newLogger(verbose bool, format string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	return newLogger(o.verbose, o.logFormat, cmd.ErrOrStderr())
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) newCommander(cfg *config.Config, logger *slog.Logger, cmd *cobra.Command) shell.Commander {
	if o.commander != nil {
		return o.commander
	}
	if cfg.Container != "" {
		return shell.NewDockerExec(cfg.Container, logger, cmd.ErrOrStderr())
	}
	return shell.NewExec(logger, cmd.ErrOrStderr())
}

func (o *rootOptions) newDownloader(cfg *config.Config) (*downloader.Downloader, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, ".envbuild", "cache")
	}
	return downloader.NewDownloader(o.workers, cacheDir), nil
}
