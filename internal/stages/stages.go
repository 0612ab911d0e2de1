// Package stages defines the build stages: base system provisioning,
// environment materialization, requirement adjustment, dependency
// installation and verification.
package stages

import (
	"context"
	"log/slog"

	"github.com/frederic-klein/envbuild/internal/adjuster"
	"github.com/frederic-klein/envbuild/internal/compat"
	"github.com/frederic-klein/envbuild/internal/config"
	"github.com/frederic-klein/envbuild/internal/downloader"
	"github.com/frederic-klein/envbuild/internal/pipeline"
	"github.com/frederic-klein/envbuild/internal/probe"
	"github.com/frederic-klein/envbuild/internal/shell"
)

// Builder produces the stages for one configuration. Stages share state:
// the runtime version resolved before adjustment is reused by verification.
type Builder struct {
	cfg      *config.Config
	cmd      shell.Commander
	dl       *downloader.Downloader
	logger   *slog.Logger
	adjuster *adjuster.Adjuster
	tables   *compat.Loader
	prober   *probe.Prober

	runtime string // installed runtime version, set by the adjust precondition
}

// New creates a builder. Commands go through cmd; downloads and temporary
// descriptors live in dl's cache directory.
func New(cfg *config.Config, cmd shell.Commander, dl *downloader.Downloader, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:      cfg,
		cmd:      cmd,
		dl:       dl,
		logger:   logger,
		adjuster: adjuster.New(logger),
		tables:   compat.NewLoader(dl),
		prober:   probe.New(cmd, cfg.PythonBin()),
	}
}

// All returns every stage in build order.
func (b *Builder) All() []pipeline.Stage {
	return []pipeline.Stage{
		b.Provision(),
		b.Materialize(),
		b.Adjust(),
		b.Install(),
		b.Verify(),
	}
}

func (b *Builder) run(ctx context.Context, cmd shell.Command) error {
	b.logger.Info("running", "cmd", cmd.String())
	_, err := b.cmd.Run(ctx, cmd)
	return err
}
