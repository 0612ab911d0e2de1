package stages

import (
	"context"
	"fmt"
	"path"

	"github.com/frederic-klein/envbuild/internal/downloader"
	"github.com/frederic-klein/envbuild/internal/pipeline"
	"github.com/frederic-klein/envbuild/internal/shell"
)

var aptEnv = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}

// Provision installs OS packages and the conda distribution manager.
func (b *Builder) Provision() pipeline.Stage {
	return pipeline.Stage{
		Name: "provision",
		Precondition: func(ctx context.Context) error {
			if b.cfg.Provision.Skip {
				return fmt.Errorf("disabled in config: %w", pipeline.ErrSkip)
			}
			return nil
		},
		Action: b.provision,
	}
}

func (b *Builder) provision(ctx context.Context) error {
	p := b.cfg.Provision

	if len(p.Packages) > 0 {
		if err := b.run(ctx, shell.Command{Name: "apt-get", Args: []string{"update"}, Env: aptEnv}); err != nil {
			return &pipeline.ProvisionError{Step: "apt-get update", Err: err}
		}
		args := append([]string{"install", "-y", "--no-install-recommends"}, p.Packages...)
		if err := b.run(ctx, shell.Command{Name: "apt-get", Args: args, Env: aptEnv}); err != nil {
			return &pipeline.ProvisionError{Step: "apt-get install", Err: err}
		}
	}

	if b.condaInstalled(ctx) {
		b.logger.Info("conda already installed, skipping installer", "prefix", p.Prefix)
		return nil
	}

	installer := b.dl.CachePath(path.Base(p.InstallerURL))
	results := b.dl.Download(ctx, []downloader.Job{{
		URL:      p.InstallerURL,
		DestPath: installer,
		Label:    "conda-installer",
		SHA256:   p.InstallerSHA256,
	}})
	if err := results[0].Error; err != nil {
		return &pipeline.ProvisionError{Step: "download installer", Err: err}
	}

	if err := b.run(ctx, shell.Command{Name: "bash", Args: []string{installer, "-b", "-p", p.Prefix}}); err != nil {
		return &pipeline.ProvisionError{Step: "conda installer", Err: err}
	}
	if !b.condaInstalled(ctx) {
		return &pipeline.ProvisionError{Step: "conda installer", Err: fmt.Errorf("%s missing after install", b.cfg.CondaBin())}
	}
	return nil
}

func (b *Builder) condaInstalled(ctx context.Context) bool {
	_, err := b.cmd.Run(ctx, shell.Command{Name: b.cfg.CondaBin(), Args: []string{"--version"}})
	return err == nil
}
