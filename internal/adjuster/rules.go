package adjuster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/frederic-klein/envbuild/internal/compat"
	"github.com/frederic-klein/envbuild/internal/dist"
	"github.com/frederic-klein/envbuild/internal/version"
)

// MatchKind says how a rule's package is compared with a declaration name.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
)

// Rule rewrites a matching declaration to Version or, with Remove, deletes
// it. An empty Match means exact.
type Rule struct {
	Package string    `yaml:"package"`
	Match   MatchKind `yaml:"match"`
	Version string    `yaml:"version"`
	Remove  bool      `yaml:"remove"`
}

// Matches reports whether the rule applies to a package name.
func (r Rule) Matches(name string) bool {
	n := dist.NormalizeName(name)
	p := dist.NormalizeName(r.Package)
	if r.Match == MatchPrefix {
		return strings.HasPrefix(n, p)
	}
	return n == p
}

// Validate checks that the rule is usable.
func (r Rule) Validate() error {
	if r.Package == "" {
		return fmt.Errorf("rule without package")
	}
	if r.Match != "" && r.Match != MatchExact && r.Match != MatchPrefix {
		return fmt.Errorf("rule %s: unknown match %q", r.Package, r.Match)
	}
	if r.Remove {
		return nil
	}
	if _, ok := version.Release(r.Version); !ok {
		return fmt.Errorf("rule %s: invalid version %q", r.Package, r.Version)
	}
	return nil
}

// Rules is an ordered rule list: all exact rules before any prefix rule.
type Rules []Rule

// NewRules orders rules exact-first, keeping the given order within each
// class.
func NewRules(rules ...Rule) Rules {
	out := append(Rules(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Match != MatchPrefix && out[j].Match == MatchPrefix
	})
	return out
}

// Find returns the first rule matching name.
func (rs Rules) Find(name string) (Rule, bool) {
	for _, r := range rs {
		if r.Matches(name) {
			return r, true
		}
	}
	return Rule{}, false
}

// BuildRules derives rules from the installed runtime version: the runtime
// itself targets the installed release and each companion targets the
// release listed for it in the table. Companions the table has no data for
// are returned in unresolved. Extra rules are appended after the derived
// ones and so lose ties against them.
func BuildRules(runtimeVersion string, table *compat.Table, extra ...Rule) (rules Rules, unresolved []string, err error) {
	installed, err := version.Clean(runtimeVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("installed %s version: %w", table.Runtime, err)
	}

	derived := []Rule{{Package: table.Runtime, Match: MatchExact, Version: installed}}

	row, found := table.Lookup(runtimeVersion)
	for _, name := range table.Companions() {
		v, ok := row[name]
		switch {
		case !found || !ok:
			unresolved = append(unresolved, name)
		case v == "":
			derived = append(derived, Rule{Package: name, Match: MatchExact, Remove: true})
		default:
			derived = append(derived, Rule{Package: name, Match: MatchExact, Version: v})
		}
	}

	for _, r := range extra {
		if err := r.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return NewRules(append(derived, extra...)...), unresolved, nil
}

// RewriteClauses rewrites a constraint so that target satisfies it while
// keeping each fragment's operator family:
//
//	>=, >      -> >= first release of target's major.minor
//	~=         -> ~= same, keeping the original component count
//	==, ===    -> == target (wildcards become major.minor.*)
//	<=, <      -> kept when target satisfies them, else raised to target
//	!=         -> kept unless it excludes target
func RewriteClauses(clauses []dist.Clause, target string) ([]dist.Clause, error) {
	floor, err := version.Floor(target)
	if err != nil {
		return nil, err
	}
	mm, err := version.MajorMinor(target)
	if err != nil {
		return nil, err
	}
	next, err := version.NextMinor(target)
	if err != nil {
		return nil, err
	}

	var out []dist.Clause
	add := func(c dist.Clause) {
		for _, existing := range out {
			if existing == c {
				return
			}
		}
		out = append(out, c)
	}

	for _, c := range clauses {
		wild := version.IsWildcard(c.Version)
		switch c.Op {
		case dist.OpGreaterEqual, dist.OpGreater:
			if wild {
				add(dist.Clause{Op: dist.OpGreaterEqual, Version: mm + ".*"})
			} else {
				add(dist.Clause{Op: dist.OpGreaterEqual, Version: floor})
			}
		case dist.OpCompatible:
			if parts, _ := version.Release(c.Version); len(parts) == 2 {
				add(dist.Clause{Op: dist.OpCompatible, Version: mm})
			} else {
				add(dist.Clause{Op: dist.OpCompatible, Version: floor})
			}
		case dist.OpEqual, dist.OpArbitrary:
			// === compares strings, so the installed local label would
			// never match a cleaned target; pin with == instead.
			if wild {
				add(dist.Clause{Op: dist.OpEqual, Version: mm + ".*"})
			} else {
				add(dist.Clause{Op: dist.OpEqual, Version: target})
			}
		case dist.OpLessEqual:
			if version.SatisfiesOne(target, c) {
				add(c)
			} else {
				add(dist.Clause{Op: dist.OpLessEqual, Version: target})
			}
		case dist.OpLess:
			if version.SatisfiesOne(target, c) {
				add(c)
			} else {
				add(dist.Clause{Op: dist.OpLess, Version: next})
			}
		case dist.OpNotEqual:
			if version.SatisfiesOne(target, c) {
				add(c)
			}
		}
	}

	if len(out) == 0 {
		out = append(out, dist.Clause{Op: dist.OpGreaterEqual, Version: floor})
	}
	return out, nil
}
