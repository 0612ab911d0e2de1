// Package adjuster rewrites requirement manifests: it aligns version
// constraints of the numerical runtime and its companions with what is
// installed, and prunes named packages.
//
// Both operations are idempotent and never fail on a malformed line; such
// lines are logged with their location and left as they are.
package adjuster

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/frederic-klein/envbuild/internal/compat"
	"github.com/frederic-klein/envbuild/internal/dist"
	"github.com/frederic-klein/envbuild/internal/reqfile"
)

// Result summarizes the changes made to one manifest.
type Result struct {
	Path      string
	Rewritten int
	Removed   int
	Warnings  []reqfile.ParseWarning
	Saved     bool
}

// Adjuster applies rewrite and prune operations to manifests.
type Adjuster struct {
	parser *reqfile.Parser
	logger *slog.Logger
}

// New creates an Adjuster that reports through logger.
func New(logger *slog.Logger) *Adjuster {
	return &Adjuster{parser: reqfile.NewParser(), logger: logger}
}

// Adjust rewrites constraints in m according to rules. Companions listed in
// unresolved have no known release for the runtime; their lines are kept
// and reported.
func (a *Adjuster) Adjust(m *reqfile.Manifest, rules Rules, unresolved []string) Result {
	res := Result{Path: m.Path, Warnings: a.warn(m)}

	missing := make(map[string]bool, len(unresolved))
	for _, name := range unresolved {
		missing[dist.NormalizeName(name)] = true
	}

	drop := make(map[*reqfile.Line]bool)
	for _, l := range m.Declarations() {
		rule, ok := rules.Find(l.Req.Name)
		if !ok {
			if missing[dist.NormalizeName(l.Req.Name)] {
				a.logger.Warn("no compatible release known, leaving constraint as is",
					"file", m.Path, "line", l.Number, "package", l.Req.Name)
			}
			continue
		}

		if rule.Remove {
			drop[l] = true
			a.logger.Debug("removing requirement", "file", m.Path, "line", l.Number, "package", l.Req.Name)
			continue
		}
		if !l.HasConstraint() {
			continue
		}

		before := l.Constraint()
		clauses, err := RewriteClauses(l.Req.Clauses, rule.Version)
		if err != nil {
			a.logger.Warn("cannot rewrite constraint", "file", m.Path, "line", l.Number,
				"package", l.Req.Name, "error", err)
			continue
		}
		if slices.Equal(clauses, l.Req.Clauses) {
			continue
		}
		l.SetClauses(clauses)
		res.Rewritten++
		a.logger.Info("rewrote constraint", "file", m.Path, "line", l.Number,
			"package", l.Req.Name, "from", before, "to", l.Constraint())
	}

	res.Removed = m.Remove(func(l *reqfile.Line) bool { return drop[l] })
	return res
}

// Prune deletes every declaration of the named packages from m.
func (a *Adjuster) Prune(m *reqfile.Manifest, names []string) Result {
	res := Result{Path: m.Path, Warnings: a.warn(m)}

	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[dist.NormalizeName(n)] = true
	}

	res.Removed = m.Remove(func(l *reqfile.Line) bool {
		if l.Kind != reqfile.KindDeclaration || !set[dist.NormalizeName(l.Req.Name)] {
			return false
		}
		a.logger.Info("pruned requirement", "file", m.Path, "line", l.Number, "package", l.Req.Name)
		return true
	})
	return res
}

// AdjustFiles adjusts each manifest on disk for the installed runtime
// version. A file that cannot be read or written is recorded and the
// remaining files are still processed.
func (a *Adjuster) AdjustFiles(paths []string, runtimeVersion string, table *compat.Table, extra ...Rule) ([]Result, error) {
	rules, unresolved, err := BuildRules(runtimeVersion, table, extra...)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("built constraint rules", "runtime", runtimeVersion, "rules", len(rules), "unresolved", unresolved)

	return a.eachFile(paths, func(m *reqfile.Manifest) Result {
		return a.Adjust(m, rules, unresolved)
	})
}

// PruneFiles prunes names from each manifest on disk.
func (a *Adjuster) PruneFiles(paths []string, names []string) ([]Result, error) {
	return a.eachFile(paths, func(m *reqfile.Manifest) Result {
		return a.Prune(m, names)
	})
}

func (a *Adjuster) eachFile(paths []string, apply func(*reqfile.Manifest) Result) ([]Result, error) {
	var results []Result
	var errs []error
	for _, path := range paths {
		m, err := a.parser.Parse(path)
		if err != nil {
			a.logger.Error("cannot read manifest", "file", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}

		res := apply(m)
		res.Saved, err = m.Save()
		if err != nil {
			a.logger.Error("cannot write manifest", "file", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (a *Adjuster) warn(m *reqfile.Manifest) []reqfile.ParseWarning {
	warnings := m.Warnings()
	for _, w := range warnings {
		a.logger.Warn("skipping malformed requirement", "file", w.Path, "line", w.Line,
			"text", w.Text, "error", w.Err)
	}
	return warnings
}
