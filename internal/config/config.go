// Package config loads the build configuration. Every field has a default,
// so a missing file or an empty one describes the stock build.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/frederic-klein/envbuild/internal/adjuster"
	"github.com/frederic-klein/envbuild/internal/dist"
	"github.com/frederic-klein/envbuild/internal/version"
)

const (
	DefaultInstallerURL = "https://repo.anaconda.com/miniconda/Miniconda3-latest-Linux-x86_64.sh"
	DefaultPrefix       = "/opt/conda"
)

var sha256Re = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Config is the full build configuration.
type Config struct {
	Workdir     string      `yaml:"workdir"`      // manifests and descriptor are relative to it
	CacheDir    string      `yaml:"cache_dir"`    // downloads; must be visible inside Container
	Container   string      `yaml:"container"`    // run commands via docker exec; empty runs on the host
	MetricsFile string      `yaml:"metrics_file"` // Prometheus textfile output
	Provision   Provision   `yaml:"provision"`
	Environment Environment `yaml:"environment"`
	Adjust      Adjust      `yaml:"adjust"`
	Install     Install     `yaml:"install"`
	Verify      Verify      `yaml:"verify"`
}

// Provision configures the base system stage.
type Provision struct {
	Skip            bool     `yaml:"skip"`
	Packages        []string `yaml:"packages"`
	InstallerURL    string   `yaml:"installer_url"`
	InstallerSHA256 string   `yaml:"installer_sha256"`
	Prefix          string   `yaml:"prefix"`
}

// Environment configures the materialized environment. Python, Runtime and
// CUDA are optional override versions.
type Environment struct {
	Name       string   `yaml:"name"`
	Descriptor string   `yaml:"descriptor"`
	Channels   []string `yaml:"channels"`
	Python     string   `yaml:"python"`
	Runtime    string   `yaml:"runtime"`
	CUDA       string   `yaml:"cuda"`
	PythonBin  string   `yaml:"python_bin"`
}

// HasOverride reports whether any override version is set.
func (e Environment) HasOverride() bool {
	return e.Python != "" || e.Runtime != "" || e.CUDA != ""
}

// Adjust configures the requirement adjuster stage.
type Adjust struct {
	Manifests      []string        `yaml:"manifests"` // globs; defaults to the install manifests
	CompatTable    string          `yaml:"compat_table"`
	RuntimeVersion string          `yaml:"runtime_version"`
	Prune          []string        `yaml:"prune"`
	Rules          []adjuster.Rule `yaml:"rules"`
}

// Install configures the dependency installer.
type Install struct {
	Manifests []Manifest `yaml:"manifests"`
	PipArgs   []string   `yaml:"pip_args"`
}

// Manifest is one requirement file handed to the installer.
type Manifest struct {
	Path     string            `yaml:"path"`
	Phase    dist.Phase        `yaml:"phase"`
	Optional bool              `yaml:"optional"`
	Env      map[string]string `yaml:"env"`
}

// Verify configures post-install verification.
type Verify struct {
	Packages     []Critical `yaml:"packages"`
	FreezeReport string     `yaml:"freeze_report"`
}

// Critical is a package that must be installed after the build. An empty
// Constraint means the constraint declared in the install manifests.
type Critical struct {
	Name       string `yaml:"name"`
	Constraint string `yaml:"constraint"`
}

// Default returns the stock configuration.
func Default() *Config {
	horovodEnv := map[string]string{
		"HOROVOD_GPU_OPERATIONS":     "NCCL",
		"HOROVOD_WITH_PYTORCH":       "1",
		"HOROVOD_WITHOUT_TENSORFLOW": "1",
		"HOROVOD_WITHOUT_MXNET":      "1",
	}
	return &Config{
		Workdir: ".",
		Provision: Provision{
			Packages:     []string{"build-essential", "git", "unzip", "wget", "libopenmpi-dev", "cmake"},
			InstallerURL: DefaultInstallerURL,
			Prefix:       DefaultPrefix,
		},
		Environment: Environment{
			Name:       "lightning",
			Descriptor: "environment.yml",
			Channels:   []string{"pytorch", "nvidia", "conda-forge"},
		},
		Install: Install{
			Manifests: []Manifest{
				{Path: "requirements.txt", Phase: dist.PhaseBase},
				{Path: "requirements/extra.txt", Phase: dist.PhaseExtra, Optional: true},
				{Path: "requirements/examples.txt", Phase: dist.PhaseExamples, Optional: true},
				{Path: "requirements/horovod.txt", Phase: dist.PhaseAccelerator, Optional: true, Env: horovodEnv},
			},
			PipArgs: []string{"--no-cache-dir"},
		},
		Verify: Verify{
			Packages: []Critical{{Name: "torch"}, {Name: "horovod"}},
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if !filepath.IsAbs(cfg.Workdir) {
		cfg.Workdir = filepath.Join(filepath.Dir(path), cfg.Workdir)
	}
	return cfg, nil
}

// Path resolves p against the working directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workdir, p)
}

// CondaBin is the conda executable under the install prefix.
func (c *Config) CondaBin() string {
	return filepath.Join(c.Provision.Prefix, "bin", "conda")
}

// PythonBin is the interpreter of the materialized environment.
func (c *Config) PythonBin() string {
	if c.Environment.PythonBin != "" {
		return c.Environment.PythonBin
	}
	return filepath.Join(c.Provision.Prefix, "envs", c.Environment.Name, "bin", "python")
}

// LockPath is the lock file guarding the install prefix.
func (c *Config) LockPath() string {
	return filepath.Join(c.Provision.Prefix, ".envbuild.lock")
}

// AdjustManifests returns the manifest patterns for the adjuster.
func (c *Config) AdjustManifests() []string {
	if len(c.Adjust.Manifests) > 0 {
		out := make([]string, len(c.Adjust.Manifests))
		for i, m := range c.Adjust.Manifests {
			out[i] = c.Path(m)
		}
		return out
	}
	var out []string
	for _, m := range c.Install.Manifests {
		out = append(out, c.Path(m.Path))
	}
	return out
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !c.Provision.Skip {
		if u, err := url.Parse(c.Provision.InstallerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("provision.installer_url: %q is not an http(s) URL", c.Provision.InstallerURL)
		}
		if s := c.Provision.InstallerSHA256; s != "" && !sha256Re.MatchString(s) {
			add("provision.installer_sha256: %q is not a sha256 digest", s)
		}
	}
	if !filepath.IsAbs(c.Provision.Prefix) {
		add("provision.prefix: %q must be absolute", c.Provision.Prefix)
	}

	if c.Environment.Name == "" {
		add("environment.name: required")
	}
	for _, f := range []struct{ field, v string }{
		{"environment.python", c.Environment.Python},
		{"environment.runtime", c.Environment.Runtime},
		{"environment.cuda", c.Environment.CUDA},
		{"adjust.runtime_version", c.Adjust.RuntimeVersion},
	} {
		if _, ok := version.Release(f.v); f.v != "" && !ok {
			add("%s: invalid version %q", f.field, f.v)
		}
	}

	for i, r := range c.Adjust.Rules {
		if err := r.Validate(); err != nil {
			add("adjust.rules[%d]: %w", i, err)
		}
	}

	base := 0
	for i, m := range c.Install.Manifests {
		if m.Path == "" {
			add("install.manifests[%d]: path required", i)
		}
		if !validPhase(m.Phase) {
			add("install.manifests[%d]: unknown phase %q", i, m.Phase)
		}
		if m.Phase == dist.PhaseBase {
			base++
			if m.Optional {
				add("install.manifests[%d]: base manifest cannot be optional", i)
			}
		}
	}
	if base == 0 {
		add("install.manifests: at least one base manifest required")
	}

	for i, p := range c.Verify.Packages {
		if p.Name == "" {
			add("verify.packages[%d]: name required", i)
		}
		if _, err := version.ParseConstraint(p.Constraint); err != nil {
			add("verify.packages[%d]: %w", i, err)
		}
	}

	return errors.Join(errs...)
}

func validPhase(p dist.Phase) bool {
	for _, known := range dist.PhaseOrder {
		if p == known {
			return true
		}
	}
	return false
}
