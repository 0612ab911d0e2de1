// Package compat holds the table that maps a numerical runtime release to
// the companion library releases built against it.
package compat

import (
	"context"
	_ "embed"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/frederic-klein/envbuild/internal/dist"
	"github.com/frederic-klein/envbuild/internal/downloader"
	"github.com/frederic-klein/envbuild/internal/version"
)

const cacheTTL = 24 * time.Hour

//go:embed default.yaml
var defaultTable []byte

// Row maps package name to version. An empty companion version means no
// release exists for that runtime.
type Row map[string]string

// Table is a list of rows keyed by the runtime package.
type Table struct {
	Runtime string `yaml:"runtime"`
	Rows    []Row  `yaml:"versions"`
}

// Parse decodes a YAML table and sorts rows newest runtime first.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing compatibility table: %w", err)
	}
	if t.Runtime == "" {
		return nil, fmt.Errorf("compatibility table: runtime package not set")
	}
	for i, row := range t.Rows {
		v, ok := row[t.Runtime]
		if !ok {
			return nil, fmt.Errorf("compatibility table: row %d has no %s version", i+1, t.Runtime)
		}
		if _, ok := version.Release(v); !ok {
			return nil, fmt.Errorf("compatibility table: row %d: invalid %s version %q", i+1, t.Runtime, v)
		}
	}
	sort.SliceStable(t.Rows, func(i, j int) bool {
		return version.Compare(t.Rows[i][t.Runtime], t.Rows[j][t.Runtime]) > 0
	})
	return &t, nil
}

// Default returns the embedded table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup finds the row for an installed runtime version. An exact
// major.minor.patch match wins; otherwise the newest row whose release
// starts with the installed release ("1.10" -> 1.10.2), then the newest
// row of the same major.minor series.
func (t *Table) Lookup(runtimeVersion string) (Row, bool) {
	installed, ok := version.Release(runtimeVersion)
	if !ok {
		return nil, false
	}

	if len(installed) >= 3 {
		for _, row := range t.Rows {
			if version.Compare(row[t.Runtime], runtimeVersion) == 0 {
				return row, true
			}
		}
	}
	for _, row := range t.Rows {
		if hasPrefix(row[t.Runtime], installed) {
			return row, true
		}
	}
	if len(installed) >= 2 {
		for _, row := range t.Rows {
			if hasPrefix(row[t.Runtime], installed[:2]) {
				return row, true
			}
		}
	}
	return nil, false
}

// Companions returns the non-runtime package names, sorted.
func (t *Table) Companions() []string {
	seen := make(map[string]bool)
	var names []string
	for _, row := range t.Rows {
		for name := range row {
			if name == t.Runtime || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Tracks reports whether name is the runtime or one of its companions.
func (t *Table) Tracks(name string) bool {
	n := dist.NormalizeName(name)
	if n == dist.NormalizeName(t.Runtime) {
		return true
	}
	for _, c := range t.Companions() {
		if n == dist.NormalizeName(c) {
			return true
		}
	}
	return false
}

func hasPrefix(v string, prefix []int) bool {
	parts, ok := version.Release(v)
	if !ok || len(parts) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if parts[i] != p {
			return false
		}
	}
	return true
}

// Loader resolves a table source: "" for the embedded default, an
// http(s) URL fetched into the cache, or a local file path.
type Loader struct {
	dl *downloader.Downloader
}

// NewLoader creates a loader that caches remote tables through dl.
func NewLoader(dl *downloader.Downloader) *Loader {
	return &Loader{dl: dl}
}

// Load reads the table from source.
func (l *Loader) Load(ctx context.Context, source string) (*Table, error) {
	if source == "" {
		return Default(), nil
	}

	path := source
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		var err error
		if path, err = l.fetch(ctx, source); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading compatibility table: %w", err)
	}
	return Parse(data)
}

func (l *Loader) fetch(ctx context.Context, url string) (string, error) {
	h := fnv.New64a()
	h.Write([]byte(url))
	cacheFile := l.dl.CachePath(fmt.Sprintf("compat-%x.yaml", h.Sum64()))

	if info, err := os.Stat(cacheFile); err == nil && time.Since(info.ModTime()) >= cacheTTL {
		if err := os.Remove(cacheFile); err != nil {
			return "", fmt.Errorf("expiring cached table: %w", err)
		}
	}

	results := l.dl.Download(ctx, []downloader.Job{{URL: url, DestPath: cacheFile, Label: "compat-table"}})
	if results[0].Error != nil {
		return "", fmt.Errorf("fetching compatibility table: %w", results[0].Error)
	}
	return cacheFile, nil
}
