package stages

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/envbuild/internal/config"
	"github.com/frederic-klein/envbuild/internal/downloader"
	"github.com/frederic-klein/envbuild/internal/envfile"
	"github.com/frederic-klein/envbuild/internal/pipeline"
	"github.com/frederic-klein/envbuild/internal/shell"
	"github.com/frederic-klein/envbuild/internal/testutil"
)

const (
	conda  = "/opt/conda/bin/conda"
	python = "/opt/conda/envs/lightning/bin/python"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	dir   string
	cache string
	cfg   *config.Config
	cmd   *testutil.Commander
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:   t.TempDir(),
		cache: t.TempDir(),
		cfg:   config.Default(),
		cmd:   &testutil.Commander{},
	}
	f.cfg.Workdir = f.dir
	return f
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) builder() *Builder {
	return New(f.cfg, f.cmd, downloader.NewDownloader(1, f.cache), quietLogger())
}

func TestAll_Order(t *testing.T) {
	f := newFixture(t)

	var names []string
	for _, s := range f.builder().All() {
		names = append(names, s.Name)
		assert.NotNil(t, s.Action, s.Name)
	}

	assert.Equal(t, []string{"provision", "materialize", "adjust", "install", "verify"}, names)
}

func TestProvision_InstallsConda(t *testing.T) {
	f := newFixture(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("#!/bin/bash\n"))
	}))
	defer srv.Close()
	f.cfg.Provision.InstallerURL = srv.URL + "/Miniconda3-latest-Linux-x86_64.sh"

	installed := false
	f.cmd.Handle(conda+" --version", func(shell.Command) testutil.Response {
		if !installed {
			return testutil.Response{Err: testutil.Fail("conda --version", 127)}
		}
		return testutil.Response{Stdout: "conda 4.12.0\n"}
	})
	f.cmd.Handle("bash ", func(shell.Command) testutil.Response {
		installed = true
		return testutil.Response{}
	})

	require.NoError(t, f.builder().Provision().Action(context.Background()))

	installer := filepath.Join(f.cache, "Miniconda3-latest-Linux-x86_64.sh")
	want := []string{
		"apt-get update",
		"apt-get install -y --no-install-recommends build-essential git unzip wget libopenmpi-dev cmake",
		conda + " --version",
		"bash " + installer + " -b -p /opt/conda",
		conda + " --version",
	}
	if diff := cmp.Diff(want, f.cmd.Lines()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "noninteractive", f.cmd.Calls[0].Env["DEBIAN_FRONTEND"])
	assert.FileExists(t, installer)
}

func TestProvision_SkipsInstalledConda(t *testing.T) {
	f := newFixture(t)
	f.cfg.Provision.InstallerURL = "http://127.0.0.1:1/unreachable.sh"
	f.cmd.On(conda+" --version", testutil.Response{Stdout: "conda 4.12.0\n"})

	require.NoError(t, f.builder().Provision().Action(context.Background()))

	assert.Len(t, f.cmd.Calls, 3)
	assert.NoFileExists(t, filepath.Join(f.cache, "unreachable.sh"))
}

func TestProvision_AptFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.cmd.On("apt-get install", testutil.Response{Err: testutil.Fail("apt-get install", 100)})

	err := f.builder().Provision().Action(context.Background())

	var provErr *pipeline.ProvisionError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "apt-get install", provErr.Step)
	assert.Len(t, f.cmd.Calls, 2, "no further steps after the failure")
}

func TestProvision_Skip(t *testing.T) {
	f := newFixture(t)
	f.cfg.Provision.Skip = true

	err := f.builder().Provision().Precondition(context.Background())

	assert.ErrorIs(t, err, pipeline.ErrSkip)
}

const descriptor = `name: lightning
channels:
  - pytorch
dependencies:
  - python>=3.8
  - pytorch>=1.8
  - torchvision>=0.9
  - numpy>=1.17.2
`

func TestMaterialize_WithOverrides(t *testing.T) {
	f := newFixture(t)
	f.write(t, "environment.yml", descriptor)
	f.cfg.Environment.Python = "3.9"
	f.cfg.Environment.Runtime = "1.10"
	f.cfg.Environment.CUDA = "11.3.1"

	var applied []string
	f.cmd.Handle(conda+" env update", func(cmd shell.Command) testutil.Response {
		d, err := envfile.Load(cmd.Args[len(cmd.Args)-1])
		if err != nil {
			return testutil.Response{Err: err}
		}
		applied = d.Dependencies()
		return testutil.Response{}
	})
	f.cmd.On(python+" -c import platform", testutil.Response{Stdout: "3.9.7\n"})
	f.cmd.On(python+" -c import torch", testutil.Response{Stdout: "1.10.2+cu113\n"})

	require.NoError(t, f.builder().Materialize().Action(context.Background()))

	lines := f.cmd.Lines()
	require.Len(t, lines, 4)
	assert.Equal(t, conda+" create -y --name lightning python=3.9 pytorch=1.10 torchvision torchtext cudatoolkit=11.3"+
		" -c pytorch -c nvidia -c conda-forge", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], conda+" env update --name lightning --file "+f.cache))
	assert.Equal(t, []string{"python", "pytorch", "torchvision", "numpy>=1.17.2", "cudatoolkit=11.3"}, applied)

	assert.Equal(t, descriptor, f.read(t, "environment.yml"), "original descriptor untouched")
	entries, err := os.ReadDir(f.cache)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary descriptor removed")
}

func TestMaterialize_WithoutOverrides(t *testing.T) {
	f := newFixture(t)
	f.write(t, "environment.yml", descriptor)
	f.cfg.Environment.Channels = nil

	var applied []string
	f.cmd.Handle(conda+" env update", func(cmd shell.Command) testutil.Response {
		d, _ := envfile.Load(cmd.Args[len(cmd.Args)-1])
		applied = d.Dependencies()
		return testutil.Response{}
	})
	f.cmd.On(python+" -c import platform", testutil.Response{Stdout: "3.8.12\n"})
	f.cmd.On(python+" -c import torch", testutil.Response{Stdout: "1.8.1\n"})

	require.NoError(t, f.builder().Materialize().Action(context.Background()))

	assert.Equal(t, conda+" create -y --name lightning -c pytorch", f.cmd.Lines()[0])
	assert.Equal(t, []string{"python>=3.8", "pytorch>=1.8", "torchvision>=0.9", "numpy>=1.17.2"}, applied)
}

func TestMaterialize_RuntimeMismatch(t *testing.T) {
	f := newFixture(t)
	f.write(t, "environment.yml", descriptor)
	f.cfg.Environment.Runtime = "1.10"
	f.cmd.On(python+" -c import platform", testutil.Response{Stdout: "3.9.7\n"})
	f.cmd.On(python+" -c import torch", testutil.Response{Stdout: "1.9.0\n"})

	err := f.builder().Materialize().Action(context.Background())

	var verifyErr *pipeline.VerificationError
	require.True(t, errors.As(err, &verifyErr))
	assert.Equal(t, "1.9.0", verifyErr.Installed)
}

func TestMaterialize_CreateFails(t *testing.T) {
	f := newFixture(t)
	f.write(t, "environment.yml", descriptor)
	f.cmd.On(conda+" create", testutil.Response{Err: testutil.Fail("conda create", 1)})

	err := f.builder().Materialize().Action(context.Background())

	var provErr *pipeline.ProvisionError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "conda create", provErr.Step)
}

func TestMaterialize_Precondition(t *testing.T) {
	f := newFixture(t)
	f.cmd.On(conda+" --version", testutil.Response{Err: testutil.Fail("conda --version", 127)})

	err := f.builder().Materialize().Precondition(context.Background())
	assert.ErrorContains(t, err, "conda not found")

	f.cmd.On(conda+" --version", testutil.Response{Stdout: "conda 4.12.0\n"})
	err = f.builder().Materialize().Precondition(context.Background())
	assert.ErrorContains(t, err, "environment descriptor")
}

func TestAdjust_PrunesAndRewrites(t *testing.T) {
	f := newFixture(t)
	f.write(t, "requirements.txt", "numpy>=1.17.2\ntorch>=1.8  # runtime\n")
	f.write(t, "requirements/extra.txt", "torchtext>=0.9.*\nhorovod>=0.21.2,!=0.24.0  # no way how to install this version\n")
	f.cfg.Adjust.Prune = []string{"horovod"}
	f.cmd.On(python+" -c import torch", testutil.Response{Stdout: "1.10.2+cu113\n"})

	b := f.builder()
	stage := b.Adjust()
	require.NoError(t, stage.Precondition(context.Background()))
	require.NoError(t, stage.Action(context.Background()))

	assert.Equal(t, "numpy>=1.17.2\ntorch>=1.10.0  # runtime\n", f.read(t, "requirements.txt"))
	assert.Equal(t, "torchtext>=0.11.*\n", f.read(t, "requirements/extra.txt"))
}

func TestAdjust_ConfiguredRuntimeSkipsQuery(t *testing.T) {
	f := newFixture(t)
	f.write(t, "requirements.txt", "torch==1.8\n")
	f.cfg.Adjust.RuntimeVersion = "1.9.1"

	b := f.builder()
	require.NoError(t, b.Adjust().Precondition(context.Background()))
	require.NoError(t, b.Adjust().Action(context.Background()))

	assert.Empty(t, f.cmd.Calls)
	assert.Equal(t, "torch==1.9.1\n", f.read(t, "requirements.txt"))
}

func TestAdjust_RuntimeMissing(t *testing.T) {
	f := newFixture(t)
	f.cmd.On(python, testutil.Response{Err: testutil.Fail("python", 1)})

	err := f.builder().Adjust().Precondition(context.Background())

	assert.Error(t, err)
}

func TestInstall_PhaseOrderAndEnv(t *testing.T) {
	f := newFixture(t)
	// Declared out of order on purpose.
	f.cfg.Install.Manifests = []config.Manifest{
		{Path: "requirements/horovod.txt", Phase: "accelerator", Optional: true,
			Env: map[string]string{"HOROVOD_GPU_OPERATIONS": "NCCL", "HOROVOD_WITH_PYTORCH": "1"}},
		{Path: "requirements/examples.txt", Phase: "examples", Optional: true},
		{Path: "requirements/extra.txt", Phase: "extra", Optional: true},
		{Path: "requirements.txt", Phase: "base"},
	}
	base := f.write(t, "requirements.txt", "torch>=1.10.0\n")
	extra := f.write(t, "requirements/extra.txt", "matplotlib>3.1\n")
	horovod := f.write(t, "requirements/horovod.txt", "horovod>=0.21.2\n")

	b := f.builder()
	require.NoError(t, b.Install().Precondition(context.Background()))
	require.NoError(t, b.Install().Action(context.Background()))

	want := []string{
		python + " -m pip install -r " + base + " --no-cache-dir",
		python + " -m pip install -r " + extra + " --no-cache-dir",
		python + " -m pip install -r " + horovod + " --no-cache-dir",
	}
	if diff := cmp.Diff(want, f.cmd.Lines()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, f.cmd.Calls[0].Env)
	assert.Equal(t, "NCCL", f.cmd.Calls[2].Env["HOROVOD_GPU_OPERATIONS"])
}

func TestInstall_MissingBase(t *testing.T) {
	f := newFixture(t)

	err := f.builder().Install().Precondition(context.Background())

	var installErr *pipeline.InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, "requirements.txt", installErr.Manifest)
}

func TestInstall_PipFailure(t *testing.T) {
	f := newFixture(t)
	base := f.write(t, "requirements.txt", "torch>=1.10.0\n")
	f.cmd.On(python+" -m pip install", testutil.Response{Err: testutil.Fail("pip install", 1)})

	err := f.builder().Install().Action(context.Background())

	var installErr *pipeline.InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, base, installErr.Manifest)
	assert.Len(t, f.cmd.Calls, 1)
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name      string
		installed string
		wantErr   []pipeline.VerificationError
	}{
		{
			name:      "all satisfied",
			installed: "torch==1.10.2+cu113\nhorovod==0.24.2\n",
		},
		{
			name:      "excluded version",
			installed: "torch==1.10.2+cu113\nhorovod==0.24.0\n",
			wantErr:   []pipeline.VerificationError{{Package: "horovod", Constraint: ">=0.21.2,!=0.24.0", Installed: "0.24.0"}},
		},
		{
			name:      "missing packages",
			installed: "numpy==1.21.5\n",
			wantErr: []pipeline.VerificationError{
				{Package: "torch", Constraint: ">=1.10.0", Missing: true},
				{Package: "horovod", Constraint: ">=0.21.2,!=0.24.0", Missing: true},
			},
		},
		{
			name:      "direct reference without version",
			installed: "torch @ file:///tmp/torch\nhorovod==0.24.2\n",
			wantErr:   []pipeline.VerificationError{{Package: "torch", Constraint: ">=1.10.0"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.write(t, "requirements.txt", "torch>=1.10.0\n")
			f.write(t, "requirements/horovod.txt", "horovod>=0.21.2,!=0.24.0  # no way how to install this version\n")
			f.cmd.On(python+" -m pip list", testutil.Response{Stdout: tt.installed})

			err := f.builder().Verify().Action(context.Background())

			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				return
			}
			var got []pipeline.VerificationError
			for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
				var verifyErr *pipeline.VerificationError
				require.True(t, errors.As(e, &verifyErr))
				got = append(got, *verifyErr)
			}
			if diff := cmp.Diff(tt.wantErr, got); diff != "" {
				t.Errorf("errors mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVerify_ExplicitConstraintAndReport(t *testing.T) {
	f := newFixture(t)
	f.write(t, "requirements.txt", "torch>=1.8\n")
	f.cfg.Verify.Packages = []config.Critical{{Name: "torch", Constraint: "==1.10.*"}}
	f.cfg.Verify.FreezeReport = "freeze.txt"
	f.cmd.On(python+" -m pip list", testutil.Response{Stdout: "torch==1.9.0\nnumpy==1.21.5\n"})

	err := f.builder().Verify().Action(context.Background())

	var verifyErr *pipeline.VerificationError
	require.True(t, errors.As(err, &verifyErr))
	assert.Equal(t, "==1.10.*", verifyErr.Constraint)

	report := f.read(t, "freeze.txt")
	assert.True(t, strings.HasSuffix(report, "numpy==1.21.5\ntorch==1.9.0\n"), report)
}

func TestVerify_ListFailure(t *testing.T) {
	f := newFixture(t)
	f.cmd.On(python+" -m pip list", testutil.Response{Err: testutil.Fail("pip list", 1)})

	err := f.builder().Verify().Action(context.Background())

	require.Error(t, err)
	var verifyErr *pipeline.VerificationError
	assert.False(t, errors.As(err, &verifyErr))
}
