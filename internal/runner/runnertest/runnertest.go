// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"sync"

	"github.com/org/enc/internal/runner"
)

// Recorder records every command and answers with Handler. A nil Handler
// succeeds with empty output.
type Recorder struct {
	Handler func(cmd runner.Cmd) (runner.Output, error)

	mu    sync.Mutex
	calls []runner.Cmd
}

// Run implements runner.Runner.
func (r *Recorder) Run(_ context.Context, cmd runner.Cmd) (runner.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if r.Handler == nil {
		return runner.Output{}, nil
	}
	return r.Handler(cmd)
}

// Calls returns a copy of the recorded commands.
func (r *Recorder) Calls() []runner.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runner.Cmd(nil), r.calls...)
}

// Count returns how many recorded commands ran the named tool, looking past
// a leading sudo.
func (r *Recorder) Count(tool string) int {
	n := 0
	for _, c := range r.Calls() {
		if Tool(c) == tool {
			n++
		}
	}
	return n
}

// Tool returns the effective program of cmd: the first non-flag argument when
// cmd runs through sudo, the command name otherwise.
func Tool(cmd runner.Cmd) string {
	if cmd.Name != "sudo" {
		return cmd.Name
	}
	for _, a := range cmd.Args {
		if len(a) > 0 && a[0] != '-' {
			return a
		}
	}
	return cmd.Name
}

// Fail returns a ToolError like the exec runner produces for a non-zero exit.
func Fail(tool, output string) error {
	return &runner.ToolError{Tool: tool, ExitCode: 1, Output: output, Err: runner.ErrExternalTool}
}
