package reqfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/frederic-klein/envbuild/internal/dist"
)

// Manifest is an ordered list of manifest lines.
type Manifest struct {
	Path     string
	Lines    []*Line
	original []byte
}

// Bytes renders the manifest. Lines that were never modified come back
// exactly as read, terminators included.
func (m *Manifest) Bytes() []byte {
	var buf bytes.Buffer
	for _, l := range m.Lines {
		buf.WriteString(l.Raw)
		buf.WriteString(l.EOL)
	}
	return buf.Bytes()
}

// Changed reports whether the rendered manifest differs from what was read.
func (m *Manifest) Changed() bool {
	return !bytes.Equal(m.Bytes(), m.original)
}

// Declarations returns every declaration line in file order.
func (m *Manifest) Declarations() []*Line {
	var out []*Line
	for _, l := range m.Lines {
		if l.Kind == KindDeclaration {
			out = append(out, l)
		}
	}
	return out
}

// Lookup returns the declaration for name. When a package is declared more
// than once the last declaration wins.
func (m *Manifest) Lookup(name string) (*Line, bool) {
	want := dist.NormalizeName(name)
	for i := len(m.Lines) - 1; i >= 0; i-- {
		l := m.Lines[i]
		if l.Kind == KindDeclaration && dist.NormalizeName(l.Req.Name) == want {
			return l, true
		}
	}
	return nil, false
}

// Requirements returns one requirement per package, ordered by first
// appearance, each carrying its last declared constraint.
func (m *Manifest) Requirements() []dist.Requirement {
	index := make(map[string]int)
	var reqs []dist.Requirement
	for _, l := range m.Declarations() {
		key := dist.NormalizeName(l.Req.Name)
		if i, ok := index[key]; ok {
			reqs[i] = l.Req
			continue
		}
		index[key] = len(reqs)
		reqs = append(reqs, l.Req)
	}
	return reqs
}

// Warnings lists every malformed line.
func (m *Manifest) Warnings() []ParseWarning {
	var out []ParseWarning
	for _, l := range m.Lines {
		if l.Kind == KindMalformed {
			out = append(out, ParseWarning{Path: m.Path, Line: l.Number, Text: l.Raw, Err: l.Err})
		}
	}
	return out
}

// Remove deletes every line for which drop returns true and reports how
// many were removed.
func (m *Manifest) Remove(drop func(*Line) bool) int {
	kept := m.Lines[:0]
	removed := 0
	for _, l := range m.Lines {
		if drop(l) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	m.Lines = kept
	return removed
}

// Save writes the manifest back to its path when its content changed.
// The write goes through a temp file and a rename so a reader never sees
// a half-written manifest.
func (m *Manifest) Save() (bool, error) {
	if !m.Changed() {
		return false, nil
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(m.Path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.Path), "."+filepath.Base(m.Path)+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(m.Bytes())
	tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("writing manifest: %w", err)
	}

	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("setting manifest mode: %w", err)
	}

	if err := os.Rename(tmpPath, m.Path); err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("renaming manifest: %w", err)
	}

	m.original = m.Bytes()
	return true, nil
}

// Expand resolves manifest paths and doublestar globs such as
// "requirements/**/*.txt". Plain paths are passed through even when they do
// not exist so the caller reports the access error; a glob that matches
// nothing is an error.
func Expand(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, pattern := range patterns {
		if !hasMeta(pattern) {
			add(pattern)
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no manifest matches %q", pattern)
		}
		sort.Strings(matches)
		for _, p := range matches {
			add(p)
		}
	}
	return out, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
