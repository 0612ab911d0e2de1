package stages

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/frederic-klein/envbuild/internal/pipeline"
	"github.com/frederic-klein/envbuild/internal/reqfile"
)

// Adjust prunes configured packages from the manifests and aligns runtime
// constraints with the installed runtime.
func (b *Builder) Adjust() pipeline.Stage {
	return pipeline.Stage{
		Name: "adjust",
		Precondition: func(ctx context.Context) error {
			v, err := b.RuntimeVersion(ctx)
			if err != nil {
				return err
			}
			b.runtime = v
			return nil
		},
		Action: b.adjust,
	}
}

// RuntimeVersion returns the configured runtime version or, if none is
// configured, queries the environment for it.
func (b *Builder) RuntimeVersion(ctx context.Context) (string, error) {
	if v := b.cfg.Adjust.RuntimeVersion; v != "" {
		return v, nil
	}
	return b.prober.RuntimeVersion(ctx)
}

func (b *Builder) adjust(ctx context.Context) error {
	paths, err := b.existingManifests()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		b.logger.Info("no manifests to adjust")
		return nil
	}

	table, err := b.tables.Load(ctx, b.cfg.Adjust.CompatTable)
	if err != nil {
		return err
	}

	var errs []error
	if len(b.cfg.Adjust.Prune) > 0 {
		results, err := b.adjuster.PruneFiles(paths, b.cfg.Adjust.Prune)
		errs = append(errs, err)
		for _, r := range results {
			b.logger.Info("pruned manifest", "file", r.Path, "removed", r.Removed)
		}
	}

	results, err := b.adjuster.AdjustFiles(paths, b.runtime, table, b.cfg.Adjust.Rules...)
	errs = append(errs, err)
	for _, r := range results {
		b.logger.Info("adjusted manifest", "file", r.Path, "rewritten", r.Rewritten,
			"removed", r.Removed, "malformed", len(r.Warnings), "saved", r.Saved)
	}
	return errors.Join(errs...)
}

// existingManifests expands the configured patterns and drops plain paths
// that do not exist; optional manifests are often absent.
func (b *Builder) existingManifests() ([]string, error) {
	paths, err := reqfile.Expand(b.cfg.AdjustManifests())
	if err != nil {
		return nil, fmt.Errorf("expanding manifests: %w", err)
	}
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				b.logger.Debug("manifest not found, not adjusting", "file", p)
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
