package stages

import (
	"context"
	"fmt"
	"os"

	"github.com/frederic-klein/envbuild/internal/envfile"
	"github.com/frederic-klein/envbuild/internal/pipeline"
	"github.com/frederic-klein/envbuild/internal/probe"
	"github.com/frederic-klein/envbuild/internal/shell"
	"github.com/frederic-klein/envbuild/internal/version"
)

// Packages whose descriptor pins give way to override versions.
var overridden = []string{"python", "pytorch", "torchvision", "torchtext"}

const toolkitPackage = "cudatoolkit"

// Materialize creates the named environment and applies the descriptor.
func (b *Builder) Materialize() pipeline.Stage {
	return pipeline.Stage{
		Name: "materialize",
		Precondition: func(ctx context.Context) error {
			if !b.condaInstalled(ctx) {
				return fmt.Errorf("conda not found at %s", b.cfg.CondaBin())
			}
			if _, err := os.Stat(b.cfg.Path(b.cfg.Environment.Descriptor)); err != nil {
				return fmt.Errorf("environment descriptor: %w", err)
			}
			return nil
		},
		Action: b.materialize,
	}
}

func (b *Builder) materialize(ctx context.Context) error {
	env := b.cfg.Environment

	d, err := envfile.Load(b.cfg.Path(env.Descriptor))
	if err != nil {
		return err
	}

	create := []string{"create", "-y", "--name", env.Name}
	if env.HasOverride() {
		n := d.Unpin(overridden...)
		b.logger.Debug("unpinned descriptor packages", "count", n)
		if env.Python != "" {
			create = append(create, "python="+env.Python)
		}
		if env.Runtime != "" {
			create = append(create, "pytorch="+env.Runtime, "torchvision", "torchtext")
		}
		if env.CUDA != "" {
			mm, err := version.MajorMinor(env.CUDA)
			if err != nil {
				return err
			}
			d.Pin(toolkitPackage, mm)
			create = append(create, toolkitPackage+"="+mm)
		}
	}

	channels := env.Channels
	if len(channels) == 0 {
		channels = d.Channels()
	}
	for _, ch := range channels {
		create = append(create, "-c", ch)
	}

	if err := os.MkdirAll(b.dl.CacheDir(), 0755); err != nil {
		return err
	}
	descriptor, err := d.WriteTemp(b.dl.CacheDir())
	if err != nil {
		return fmt.Errorf("writing environment descriptor: %w", err)
	}
	defer os.Remove(descriptor)

	conda := b.cfg.CondaBin()
	if err := b.run(ctx, shell.Command{Name: conda, Args: create}); err != nil {
		return &pipeline.ProvisionError{Step: "conda create", Err: err}
	}
	update := []string{"env", "update", "--name", env.Name, "--file", descriptor}
	if err := b.run(ctx, shell.Command{Name: conda, Args: update}); err != nil {
		return &pipeline.ProvisionError{Step: "conda env update", Err: err}
	}

	return b.checkEnvironment(ctx)
}

// checkEnvironment logs the interpreter and runtime versions and fails if
// the runtime does not match a requested override.
func (b *Builder) checkEnvironment(ctx context.Context) error {
	py, err := b.prober.PythonVersion(ctx)
	if err != nil {
		return &pipeline.ProvisionError{Step: "query interpreter", Err: err}
	}
	rt, err := b.prober.RuntimeVersion(ctx)
	if err != nil {
		return &pipeline.ProvisionError{Step: "query runtime", Err: err}
	}
	b.logger.Info("environment ready", "env", b.cfg.Environment.Name, "python", py, probe.RuntimeModule, rt)

	if want := b.cfg.Environment.Runtime; want != "" {
		wantMM, _ := version.MajorMinor(want)
		gotMM, _ := version.MajorMinor(rt)
		if wantMM != gotMM {
			return &pipeline.VerificationError{Package: probe.RuntimeModule, Constraint: "==" + wantMM + ".*", Installed: rt}
		}
	}
	return nil
}
