// Package version compares Python-style package versions and evaluates
// requirement clauses against them.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/frederic-klein/envbuild/internal/dist"
)

var releaseRe = regexp.MustCompile(`^v?(?:\d+!)?(\d+(?:\.\d+)*)`)

// Release returns the numeric release segment of v, e.g. [1 10 2] for
// "1.10.2+cu113" or [1 9 0] for "1.9.0.dev20210504". ok is false when v
// does not start with a number.
func Release(v string) (parts []int, ok bool) {
	m := releaseRe.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return nil, false
	}
	for _, p := range strings.Split(m[1], ".") {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		parts = append(parts, n)
	}
	return parts, true
}

// Clean strips local labels and pre/dev/post suffixes, returning only the
// dotted release, e.g. "1.10.2+cu113" -> "1.10.2".
func Clean(v string) (string, error) {
	parts, ok := Release(v)
	if !ok {
		return "", fmt.Errorf("invalid version %q", v)
	}
	return join(parts), nil
}

// MajorMinor returns "major.minor" of v, e.g. "1.10" for "1.10.2".
func MajorMinor(v string) (string, error) {
	parts, ok := Release(v)
	if !ok {
		return "", fmt.Errorf("invalid version %q", v)
	}
	parts = pad(parts, 2)
	return join(parts[:2]), nil
}

// Floor returns the first patch release of v's major.minor, e.g. "1.10.0".
func Floor(v string) (string, error) {
	parts, ok := Release(v)
	if !ok {
		return "", fmt.Errorf("invalid version %q", v)
	}
	parts = pad(parts, 2)
	return join([]int{parts[0], parts[1], 0}), nil
}

// NextMinor returns the release after v's major.minor series, e.g. "1.11".
func NextMinor(v string) (string, error) {
	parts, ok := Release(v)
	if !ok {
		return "", fmt.Errorf("invalid version %q", v)
	}
	parts = pad(parts, 2)
	return join([]int{parts[0], parts[1] + 1}), nil
}

// Compare returns -1, 0 or 1. Missing trailing components count as zero,
// so "1" == "1.0". A version carrying a pre-release or dev suffix sorts
// before the plain release it annotates.
func Compare(a, b string) int {
	aParts, _ := Release(a)
	bParts, _ := Release(b)

	maxLen := len(aParts)
	if len(bParts) > maxLen {
		maxLen = len(bParts)
	}

	for i := 0; i < maxLen; i++ {
		aVal := 0
		bVal := 0
		if i < len(aParts) {
			aVal = aParts[i]
		}
		if i < len(bParts) {
			bVal = bParts[i]
		}
		if aVal < bVal {
			return -1
		}
		if aVal > bVal {
			return 1
		}
	}

	aPre, bPre := isPreRelease(a), isPreRelease(b)
	switch {
	case aPre && !bPre:
		return -1
	case !aPre && bPre:
		return 1
	}
	return 0
}

var preRe = regexp.MustCompile(`(?i)(a|b|c|rc|alpha|beta|pre|preview|dev)\d*$`)

func isPreRelease(v string) bool {
	v = strings.TrimSpace(v)
	if i := strings.Index(v, "+"); i != -1 {
		v = v[:i]
	}
	m := releaseRe.FindString(v)
	rest := strings.TrimLeft(v[len(m):], ".-_")
	return rest != "" && preRe.MatchString(rest)
}

// ParseConstraint parses "'>= 1.0, < 2.0'"-style text into clauses. A bare
// version means "at least".
func ParseConstraint(s string) ([]dist.Clause, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return nil, nil
	}

	var clauses []dist.Clause
	for _, frag := range strings.Split(s, ",") {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			return nil, fmt.Errorf("empty fragment in %q", s)
		}
		c := dist.Clause{Op: dist.OpGreaterEqual, Version: frag}
		for _, op := range dist.Operators {
			if strings.HasPrefix(frag, string(op)) {
				c = dist.Clause{Op: op, Version: strings.TrimSpace(frag[len(op):])}
				break
			}
		}
		if _, ok := Release(c.Version); !ok && c.Op != dist.OpArbitrary {
			return nil, fmt.Errorf("invalid version %q in %q", c.Version, s)
		}
		clauses = append(clauses, c)
	}
	return clauses, nil
}

// Satisfies reports whether have meets every clause. An empty clause list
// accepts any version.
func Satisfies(have string, clauses []dist.Clause) bool {
	for _, c := range clauses {
		if !SatisfiesOne(have, c) {
			return false
		}
	}
	return true
}

// SatisfiesOne evaluates a single clause.
func SatisfiesOne(have string, c dist.Clause) bool {
	want := strings.TrimSpace(c.Version)

	switch c.Op {
	case dist.OpArbitrary:
		return strings.TrimSpace(have) == want
	case dist.OpEqual:
		if prefix, ok := wildcard(want); ok {
			return matchesPrefix(have, prefix)
		}
		return Compare(have, want) == 0
	case dist.OpNotEqual:
		if prefix, ok := wildcard(want); ok {
			return !matchesPrefix(have, prefix)
		}
		return Compare(have, want) != 0
	case dist.OpCompatible:
		parts, ok := Release(want)
		if !ok || len(parts) < 2 {
			return false
		}
		return Compare(have, want) >= 0 && matchesPrefix(have, parts[:len(parts)-1])
	}

	if prefix, ok := wildcard(want); ok {
		want = join(prefix)
	}
	cmp := Compare(have, want)
	switch c.Op {
	case dist.OpGreaterEqual:
		return cmp >= 0
	case dist.OpGreater:
		return cmp > 0
	case dist.OpLessEqual:
		return cmp <= 0
	case dist.OpLess:
		return cmp < 0
	}
	return false
}

// IsWildcard reports whether v ends in ".*".
func IsWildcard(v string) bool {
	_, ok := wildcard(v)
	return ok
}

func wildcard(v string) ([]int, bool) {
	if !strings.HasSuffix(v, ".*") {
		return nil, false
	}
	parts, ok := Release(strings.TrimSuffix(v, ".*"))
	return parts, ok
}

func matchesPrefix(have string, prefix []int) bool {
	parts, ok := Release(have)
	if !ok {
		return false
	}
	parts = pad(parts, len(prefix))
	for i, p := range prefix {
		if parts[i] != p {
			return false
		}
	}
	return true
}

func pad(parts []int, n int) []int {
	for len(parts) < n {
		parts = append(parts, 0)
	}
	return parts
}

func join(parts []int) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ".")
}
