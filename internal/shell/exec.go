// Package shell runs external package-manager commands on the host or
// inside a running container.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
)

// Command is one external invocation.
type Command struct {
	Name string
	Args []string
	Env  map[string]string // added to the inherited environment
	Dir  string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Commander runs commands and returns their standard output.
type Commander interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExitError reports a command that ran but failed.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

const stderrTail = 2048

// Exec runs commands with os/exec.
type Exec struct {
	container string    // if set, run via "docker exec" in this container
	stream    io.Writer // receives a copy of stderr, e.g. os.Stderr
	logger    *slog.Logger
}

// NewExec creates a commander that runs on the host.
func NewExec(logger *slog.Logger, stream io.Writer) *Exec {
	return &Exec{stream: stream, logger: logger}
}

// NewDockerExec creates a commander that runs every command inside a
// running container so that installs persist between steps.
func NewDockerExec(container string, logger *slog.Logger, stream io.Writer) *Exec {
	return &Exec{container: container, stream: stream, logger: logger}
}

// Run executes cmd and returns its stdout. A non-zero exit is an *ExitError
// carrying the tail of stderr.
func (e *Exec) Run(ctx context.Context, cmd Command) ([]byte, error) {
	name, args := e.argv(cmd)
	c := exec.CommandContext(ctx, name, args...)
	if e.container == "" {
		c.Dir = cmd.Dir
		c.Env = mergeEnv(c.Environ(), cmd.Env)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if e.stream != nil {
		c.Stderr = io.MultiWriter(&stderr, e.stream)
	}

	e.logger.Debug("running command", "cmd", cmd.String(), "container", e.container)
	if err := c.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.Bytes(), &ExitError{
				Command: cmd.String(),
				Code:    exitErr.ExitCode(),
				Stderr:  tail(stderr.String(), stderrTail),
			}
		}
		return stdout.Bytes(), fmt.Errorf("running %s: %w", cmd, err)
	}
	return stdout.Bytes(), nil
}

func (e *Exec) argv(cmd Command) (string, []string) {
	if e.container == "" {
		return cmd.Name, cmd.Args
	}
	args := []string{"exec"}
	if cmd.Dir != "" {
		args = append(args, "-w", cmd.Dir)
	}
	for _, k := range sortedKeys(cmd.Env) {
		args = append(args, "-e", k+"="+cmd.Env[k])
	}
	args = append(args, e.container, cmd.Name)
	return "docker", append(args, cmd.Args...)
}

func mergeEnv(base []string, extra map[string]string) []string {
	for _, k := range sortedKeys(extra) {
		base = append(base, k+"="+extra[k])
	}
	return base
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
