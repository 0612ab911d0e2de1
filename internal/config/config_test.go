package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/envbuild/internal/adjuster"
	"github.com/frederic-klein/envbuild/internal/dist"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/opt/conda/bin/conda", cfg.CondaBin())
	assert.Equal(t, "/opt/conda/envs/lightning/bin/python", cfg.PythonBin())
	assert.Equal(t, "/opt/conda/.envbuild.lock", cfg.LockPath())
	assert.False(t, cfg.Environment.HasOverride())
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join("testdata", "envbuild.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join("testdata", "project"), cfg.Workdir)
	assert.Equal(t, "cuda-build", cfg.Container)
	assert.Equal(t, []string{"build-essential", "git"}, cfg.Provision.Packages)
	assert.Equal(t, DefaultInstallerURL, cfg.Provision.InstallerURL, "unset keys keep defaults")
	assert.Equal(t, "pl", cfg.Environment.Name)
	assert.True(t, cfg.Environment.HasOverride())
	assert.Equal(t, []string{"horovod"}, cfg.Adjust.Prune)
	require.Len(t, cfg.Adjust.Rules, 1)
	assert.True(t, cfg.Adjust.Rules[0].Remove)
	require.Len(t, cfg.Install.Manifests, 2)
	assert.Equal(t, dist.PhaseExtra, cfg.Install.Manifests[1].Phase)
	assert.Equal(t, []string{"--no-cache-dir"}, cfg.Install.PipArgs)
	assert.Equal(t, ">=1.10, <1.11", cfg.Verify.Packages[0].Constraint)

	assert.Equal(t, []string{
		filepath.Join("testdata", "project", "requirements.txt"),
		filepath.Join("testdata", "project", "requirements", "extra.txt"),
	}, cfg.AdjustManifests())
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envbuild.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Environment, cfg.Environment)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envbuild.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enviroment:\n  name: typo\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestPath(t *testing.T) {
	cfg := Default()
	cfg.Workdir = "/src/lightning"

	assert.Equal(t, "/src/lightning/requirements.txt", cfg.Path("requirements.txt"))
	assert.Equal(t, "/etc/reqs.txt", cfg.Path("/etc/reqs.txt"))
	assert.Equal(t, "", cfg.Path(""))
}

func TestAdjustManifests_Explicit(t *testing.T) {
	cfg := Default()
	cfg.Workdir = "/src"
	cfg.Adjust.Manifests = []string{"requirements/*.txt"}

	assert.Equal(t, []string{"/src/requirements/*.txt"}, cfg.AdjustManifests())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"bad installer url", func(c *Config) { c.Provision.InstallerURL = "ftp://x" }, "provision.installer_url"},
		{"skip ignores installer", func(c *Config) { c.Provision.Skip = true; c.Provision.InstallerURL = "" }, ""},
		{"bad digest", func(c *Config) { c.Provision.InstallerSHA256 = "abc" }, "provision.installer_sha256"},
		{"relative prefix", func(c *Config) { c.Provision.Prefix = "conda" }, "provision.prefix"},
		{"no env name", func(c *Config) { c.Environment.Name = "" }, "environment.name"},
		{"bad override", func(c *Config) { c.Environment.Runtime = "latest" }, "environment.runtime"},
		{"bad rule", func(c *Config) { c.Adjust.Rules = append(c.Adjust.Rules, adjusterRule("torch", "")) }, "adjust.rules[0]"},
		{"unknown phase", func(c *Config) { c.Install.Manifests[1].Phase = "docs" }, "unknown phase"},
		{"optional base", func(c *Config) { c.Install.Manifests[0].Optional = true }, "cannot be optional"},
		{"no base", func(c *Config) { c.Install.Manifests = c.Install.Manifests[1:] }, "at least one base manifest"},
		{"bad constraint", func(c *Config) { c.Verify.Packages[0].Constraint = ">=x.y" }, "verify.packages[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func adjusterRule(pkg, ver string) adjuster.Rule {
	return adjuster.Rule{Package: pkg, Version: ver}
}
