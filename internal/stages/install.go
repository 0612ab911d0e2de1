package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/frederic-klein/envbuild/internal/config"
	"github.com/frederic-klein/envbuild/internal/dist"
	"github.com/frederic-klein/envbuild/internal/pipeline"
	"github.com/frederic-klein/envbuild/internal/reqfile"
	"github.com/frederic-klein/envbuild/internal/shell"
	"github.com/frederic-klein/envbuild/internal/snapshot"
	"github.com/frederic-klein/envbuild/internal/version"
)

// Install installs every manifest in phase order.
func (b *Builder) Install() pipeline.Stage {
	return pipeline.Stage{
		Name: "install",
		Precondition: func(ctx context.Context) error {
			for _, m := range b.cfg.Install.Manifests {
				if m.Phase != dist.PhaseBase {
					continue
				}
				if _, err := os.Stat(b.cfg.Path(m.Path)); err != nil {
					return &pipeline.InstallError{Manifest: m.Path, Err: err}
				}
			}
			return nil
		},
		Action: b.install,
	}
}

func (b *Builder) install(ctx context.Context) error {
	for _, phase := range dist.PhaseOrder {
		for _, m := range b.manifests(phase) {
			path := b.cfg.Path(m.Path)
			if _, err := os.Stat(path); err != nil {
				if os.IsNotExist(err) && m.Optional {
					b.logger.Info("optional manifest not found, skipping", "file", path, "phase", phase)
					continue
				}
				return &pipeline.InstallError{Manifest: path, Err: err}
			}

			args := append([]string{"-m", "pip", "install", "-r", path}, b.cfg.Install.PipArgs...)
			b.logger.Info("installing manifest", "file", path, "phase", phase)
			if err := b.run(ctx, shell.Command{Name: b.prober.Python(), Args: args, Env: m.Env}); err != nil {
				return &pipeline.InstallError{Manifest: path, Err: err}
			}
		}
	}
	return nil
}

func (b *Builder) manifests(phase dist.Phase) []config.Manifest {
	var out []config.Manifest
	for _, m := range b.cfg.Install.Manifests {
		if m.Phase == phase {
			out = append(out, m)
		}
	}
	return out
}

// Verify checks critical packages against their constraints.
func (b *Builder) Verify() pipeline.Stage {
	return pipeline.Stage{
		Name:   "verify",
		Action: b.VerifyInstalled,
	}
}

// VerifyInstalled queries installed packages and returns a joined error of
// *pipeline.VerificationError values for every critical package that is
// missing or out of range. The freeze report, when configured, is written
// either way.
func (b *Builder) VerifyInstalled(ctx context.Context) error {
	records, err := b.prober.Installed(ctx)
	if err != nil {
		return err
	}
	if path := b.cfg.Path(b.cfg.Verify.FreezeReport); path != "" {
		if err := b.writeReport(path, records); err != nil {
			return err
		}
	}

	installed := snapshot.Index(records)
	declared := b.declared()

	var errs []error
	for _, p := range b.cfg.Verify.Packages {
		key := dist.NormalizeName(p.Name)
		clauses, err := version.ParseConstraint(p.Constraint)
		if err != nil {
			return fmt.Errorf("verify %s: %w", p.Name, err)
		}
		if p.Constraint == "" {
			clauses = declared[key]
		}
		constraint := joinClauses(clauses)

		rec, ok := installed[key]
		if !ok {
			errs = append(errs, &pipeline.VerificationError{Package: p.Name, Constraint: constraint, Missing: true})
			continue
		}
		if len(clauses) > 0 && (rec.Version == "" || !version.Satisfies(rec.Version, clauses)) {
			errs = append(errs, &pipeline.VerificationError{Package: p.Name, Constraint: constraint, Installed: rec.Version})
			continue
		}
		b.logger.Info("verified package", "package", p.Name, "version", rec.Version, "constraint", constraint)
	}
	return errors.Join(errs...)
}

// declared collects constraints from the install manifests in install
// order; a later declaration of a package replaces an earlier one.
func (b *Builder) declared() map[string][]dist.Clause {
	parser := reqfile.NewParser()
	out := make(map[string][]dist.Clause)
	for _, phase := range dist.PhaseOrder {
		for _, m := range b.manifests(phase) {
			manifest, err := parser.Parse(b.cfg.Path(m.Path))
			if err != nil {
				continue
			}
			for _, req := range manifest.Requirements() {
				out[dist.NormalizeName(req.Name)] = req.Clauses
			}
		}
	}
	return out
}

func (b *Builder) writeReport(path string, records []dist.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating freeze report: %w", err)
	}
	var comments []string
	if b.runtime != "" {
		comments = append(comments, "runtime "+b.runtime)
	}
	if err := snapshot.NewEmitter(f).Emit(records, comments...); err != nil {
		f.Close()
		return fmt.Errorf("writing freeze report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing freeze report: %w", err)
	}
	b.logger.Info("wrote freeze report", "file", path, "packages", len(records))
	return nil
}

func joinClauses(clauses []dist.Clause) string {
	s := make([]string, len(clauses))
	for i, c := range clauses {
		s[i] = c.String()
	}
	return strings.Join(s, ",")
}
