package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/org/enc/internal/config"
	"github.com/org/enc/internal/fsutil"
	"github.com/org/enc/internal/runner"
)

// policyFileMode keeps the document world-readable so unprivileged
// processes can authorize without escalation.
const policyFileMode = 0644

// Writer publishes a complete policy document in one replace operation.
type Writer interface {
	WriteFile(ctx context.Context, path string, data []byte) error
}

// DirectWriter writes in-process with an atomic rename.
type DirectWriter struct{}

// WriteFile implements Writer.
func (DirectWriter) WriteFile(_ context.Context, path string, data []byte) error {
	return fsutil.WriteFileAtomic(path, data, policyFileMode)
}

// EscalatedWriter stages the document next to the target with `sudo tee`
// and publishes it with `sudo mv`, which is a rename on the same filesystem.
type EscalatedWriter struct {
	Escalator *Escalator
}

// WriteFile implements Writer.
func (w EscalatedWriter) WriteFile(ctx context.Context, path string, data []byte) error {
	e := w.Escalator
	staged := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".staged")

	if _, err := e.Runner.Run(ctx, runner.Cmd{
		Name:  e.Bin,
		Args:  []string{"-n", "tee", staged},
		Stdin: data,
	}); err != nil {
		return fmt.Errorf("staging policy: %w", err)
	}
	if _, err := e.Runner.Run(ctx, runner.Cmd{
		Name: e.Bin,
		Args: []string{"-n", "chmod", fmt.Sprintf("%o", policyFileMode), staged},
	}); err != nil {
		return fmt.Errorf("setting policy mode: %w", err)
	}
	if _, err := e.Runner.Run(ctx, runner.Cmd{
		Name: e.Bin,
		Args: []string{"-n", "mv", "-f", staged, path},
	}); err != nil {
		return fmt.Errorf("publishing policy: %w", err)
	}
	return nil
}

// NewWriter picks the writer for this process: direct when running as root,
// when the policy directory is writable, or when escalation is disabled;
// escalated otherwise.
func NewWriter(cfg config.Config, e *Escalator) Writer {
	switch cfg.Escalation {
	case config.EscalationNone:
		return DirectWriter{}
	case config.EscalationSudo:
		return EscalatedWriter{Escalator: e}
	}
	if os.Geteuid() == 0 || fsutil.DirWritable(filepath.Dir(cfg.PolicyFile)) {
		return DirectWriter{}
	}
	return EscalatedWriter{Escalator: e}
}

// NewEscalator builds the sudo escalator from config, or nil when escalation
// is disabled.
func NewEscalator(cfg config.Config, r runner.Runner) *Escalator {
	if cfg.Escalation == config.EscalationNone {
		return nil
	}
	return &Escalator{Bin: cfg.SudoBin, Runner: r}
}
