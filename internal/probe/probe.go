// Package probe queries an interpreter for the versions it has installed.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/frederic-klein/envbuild/internal/dist"
	"github.com/frederic-klein/envbuild/internal/shell"
	"github.com/frederic-klein/envbuild/internal/snapshot"
	"github.com/frederic-klein/envbuild/internal/version"
)

// RuntimeModule is the import name of the numerical runtime.
const RuntimeModule = "torch"

// Prober runs queries through one interpreter.
type Prober struct {
	cmd    shell.Commander
	python string
}

// New creates a prober for the given interpreter binary.
func New(cmd shell.Commander, python string) *Prober {
	return &Prober{cmd: cmd, python: python}
}

// Python returns the interpreter binary.
func (p *Prober) Python() string {
	return p.python
}

// RuntimeVersion imports the runtime and returns its version string, e.g.
// "1.10.2+cu113".
func (p *Prober) RuntimeVersion(ctx context.Context) (string, error) {
	return p.eval(ctx, fmt.Sprintf("import %s; print(%s.__version__)", RuntimeModule, RuntimeModule))
}

// PythonVersion returns the interpreter version, e.g. "3.9.7".
func (p *Prober) PythonVersion(ctx context.Context) (string, error) {
	return p.eval(ctx, "import platform; print(platform.python_version())")
}

// Installed lists every installed package.
func (p *Prober) Installed(ctx context.Context) ([]dist.Record, error) {
	out, err := p.cmd.Run(ctx, shell.Command{
		Name: p.python,
		Args: []string{"-m", "pip", "list", "--format=freeze", "--disable-pip-version-check"},
	})
	if err != nil {
		return nil, fmt.Errorf("listing installed packages: %w", err)
	}
	return snapshot.NewParser(bytes.NewReader(out)).Parse()
}

func (p *Prober) eval(ctx context.Context, code string) (string, error) {
	out, err := p.cmd.Run(ctx, shell.Command{Name: p.python, Args: []string{"-c", code}})
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", p.python, err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	v := strings.TrimSpace(lines[len(lines)-1])
	if _, ok := version.Release(v); !ok {
		return "", fmt.Errorf("querying %s: unexpected version output %q", p.python, v)
	}
	return v, nil
}
