// Package runner executes external tools with a bounded timeout.
//
// Secrets handed to a tool travel on stdin only; they never appear in argv,
// in returned errors or in log lines.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds every external call unless configured otherwise.
const DefaultTimeout = 60 * time.Second

var (
	// ErrTimeout is returned when a tool does not exit within the timeout.
	ErrTimeout = errors.New("external tool timed out")
	// ErrExternalTool is matched by every ToolError.
	ErrExternalTool = errors.New("external tool failed")
)

// Cmd describes one external invocation.
type Cmd struct {
	Name  string
	Args  []string
	Stdin []byte
	Dir   string
	Env   []string
}

func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Output holds what a finished tool wrote.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Diagnostic returns the tool's stderr, or stdout when stderr is empty.
func (o Output) Diagnostic() string {
	if s := strings.TrimSpace(string(o.Stderr)); s != "" {
		return s
	}
	return strings.TrimSpace(string(o.Stdout))
}

// ToolError reports a tool that exited non-zero, could not start, or timed out.
type ToolError struct {
	Tool     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if errors.Is(e.Err, ErrTimeout) {
		msg += ": timed out"
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	return []error{ErrExternalTool, e.Err}
}

// Runner runs external commands.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Output, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Timeout time.Duration
}

// New returns an ExecRunner; a non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{Timeout: timeout}
}

// Run executes cmd and waits for it. A non-zero exit is returned as a *ToolError
// carrying the tool's diagnostics.
func (r *ExecRunner) Run(ctx context.Context, cmd Cmd) (Output, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.WaitDelay = time.Second

	start := time.Now()
	err := c.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if c.ProcessState != nil {
		out.ExitCode = c.ProcessState.ExitCode()
	}
	log.Debug().
		Str("tool", cmd.Name).
		Int("exit", out.ExitCode).
		Dur("elapsed", time.Since(start)).
		Msg("external tool finished")

	if ctx.Err() == context.DeadlineExceeded {
		return out, &ToolError{Tool: cmd.Name, ExitCode: out.ExitCode, Output: out.Diagnostic(), Err: ErrTimeout}
	}
	if err != nil {
		return out, &ToolError{Tool: cmd.Name, ExitCode: out.ExitCode, Output: out.Diagnostic(), Err: err}
	}
	return out, nil
}
