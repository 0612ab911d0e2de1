// Package testutil provides fakes shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/frederic-klein/envbuild/internal/shell"
)

// Response is the scripted outcome of a command.
type Response struct {
	Stdout string
	Err    error
}

// Commander records commands and answers them from a script keyed by
// command-line prefix. Unscripted commands succeed with empty output.
type Commander struct {
	mu        sync.Mutex
	responses []scripted
	Calls     []shell.Command
}

type scripted struct {
	prefix  string
	resp    Response
	handler func(shell.Command) Response
}

// On scripts the response for every command whose String() starts with prefix.
// Later registrations take precedence.
func (c *Commander) On(prefix string, resp Response) *Commander {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append([]scripted{{prefix: prefix, resp: resp}}, c.responses...)
	return c
}

// Handle scripts a computed response for commands starting with prefix.
// Later registrations take precedence.
func (c *Commander) Handle(prefix string, fn func(shell.Command) Response) *Commander {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append([]scripted{{prefix: prefix, handler: fn}}, c.responses...)
	return c
}

// Run implements shell.Commander.
func (c *Commander) Run(ctx context.Context, cmd shell.Command) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, cmd)
	line := cmd.String()
	for _, s := range c.responses {
		if !strings.HasPrefix(line, s.prefix) {
			continue
		}
		resp := s.resp
		if s.handler != nil {
			resp = s.handler(cmd)
		}
		return []byte(resp.Stdout), resp.Err
	}
	return nil, nil
}

// Lines returns the recorded commands, one string each.
func (c *Commander) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Calls))
	for i, cmd := range c.Calls {
		out[i] = cmd.String()
	}
	return out
}

// Fail builds an exit error for scripting a failing command.
func Fail(command string, code int) error {
	return &shell.ExitError{Command: command, Code: code, Stderr: fmt.Sprintf("%s failed", command)}
}
