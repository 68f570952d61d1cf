// Package vault manages per-project gocryptfs vaults: one cipher directory
// per project and a plaintext mount point that exists only while mounted.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/org/enc/internal/runner"
	"github.com/rs/zerolog/log"
)

var (
	// ErrVaultConflict is returned by Init when the cipher directory exists.
	ErrVaultConflict = errors.New("vault already exists")
	// ErrVaultMissing is returned by Mount when there is no cipher directory.
	ErrVaultMissing = errors.New("vault does not exist")
	// ErrNotMounted is returned by Exec when the project is not mounted.
	ErrNotMounted = errors.New("vault is not mounted")
	// ErrInvalidName rejects project names that are not a single path element.
	ErrInvalidName = errors.New("invalid project name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName checks that name is usable as a directory name.
func ValidateName(name string) error {
	if name == "." || name == ".." || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// MountChecker reports whether a path is a mount point.
type MountChecker interface {
	IsMountPoint(path string) (bool, error)
}

// Manager runs the vault tools.
type Manager struct {
	CipherRoot    string
	MountRoot     string
	GocryptfsBin  string
	FusermountBin string
	Runner        runner.Runner
	Mounts        MountChecker
}

// New returns a Manager with the default tool names and the system mount
// checker.
func New(cipherRoot, mountRoot string, r runner.Runner) *Manager {
	return &Manager{
		CipherRoot:    cipherRoot,
		MountRoot:     mountRoot,
		GocryptfsBin:  "gocryptfs",
		FusermountBin: "fusermount",
		Runner:        r,
		Mounts:        SystemMounts{},
	}
}

// CipherDir is where the encrypted files of name live.
func (m *Manager) CipherDir(name string) string {
	return filepath.Join(m.CipherRoot, name)
}

// MountPoint is where name is decrypted while mounted.
func (m *Manager) MountPoint(name string) string {
	return filepath.Join(m.MountRoot, name)
}

// Exists reports whether name has a cipher directory.
func (m *Manager) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	info, err := os.Stat(m.CipherDir(name))
	return err == nil && info.IsDir()
}

func passwordInput(password []byte) []byte {
	in := make([]byte, 0, len(password)+1)
	in = append(in, password...)
	return append(in, '\n')
}

// Init creates the cipher directory of name and initializes it with
// password. On failure the directory is removed again if still empty.
func (m *Manager) Init(ctx context.Context, name string, password []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir := m.CipherDir(name)
	if _, err := os.Lstat(dir); err == nil {
		return "", fmt.Errorf("%w: %s", ErrVaultConflict, name)
	}
	if err := os.MkdirAll(m.CipherRoot, 0700); err != nil {
		return "", fmt.Errorf("creating vault root: %w", err)
	}
	if err := os.Mkdir(dir, 0700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrVaultConflict, name)
		}
		return "", fmt.Errorf("creating cipher dir: %w", err)
	}

	_, err := m.Runner.Run(ctx, runner.Cmd{
		Name:  m.GocryptfsBin,
		Args:  []string{"-init", "-q", dir},
		Stdin: passwordInput(password),
	})
	if err != nil {
		removeIfEmpty(dir)
		return "", fmt.Errorf("initializing vault %s: %w", name, err)
	}
	log.Info().Str("project", name).Str("dir", dir).Msg("vault initialized")
	return dir, nil
}

// Discard deletes the cipher directory of a vault that was never recorded
// anywhere. A mounted vault is left alone.
func (m *Manager) Discard(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if m.IsMounted(name) {
		return fmt.Errorf("vault %s is mounted, not discarding", name)
	}
	if err := os.RemoveAll(m.CipherDir(name)); err != nil {
		return fmt.Errorf("discarding vault %s: %w", name, err)
	}
	log.Info().Str("project", name).Msg("vault discarded")
	return nil
}

// IsMounted reports whether the mount point of name is currently mounted.
func (m *Manager) IsMounted(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	ok, err := m.Mounts.IsMountPoint(m.MountPoint(name))
	return err == nil && ok
}

// Mount decrypts name onto its mount point and returns the mount point.
// Mounting a mounted vault succeeds without running the tool.
func (m *Manager) Mount(ctx context.Context, name string, password []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if !m.Exists(name) {
		return "", fmt.Errorf("%w: %s", ErrVaultMissing, name)
	}
	mnt := m.MountPoint(name)
	if m.IsMounted(name) {
		log.Debug().Str("project", name).Msg("vault already mounted")
		return mnt, nil
	}
	if err := os.MkdirAll(mnt, 0700); err != nil {
		return "", fmt.Errorf("creating mount point: %w", err)
	}

	_, err := m.Runner.Run(ctx, runner.Cmd{
		Name:  m.GocryptfsBin,
		Args:  []string{"-q", m.CipherDir(name), mnt},
		Stdin: passwordInput(password),
	})
	if err != nil {
		removeIfEmpty(mnt)
		return "", fmt.Errorf("mounting vault %s: %w", name, err)
	}
	log.Info().Str("project", name).Str("mount", mnt).Msg("vault mounted")
	return mnt, nil
}

// Unmount detaches name and removes its mount point. A mount point that is
// absent, or present but not mounted, counts as already unmounted.
func (m *Manager) Unmount(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	mnt := m.MountPoint(name)
	if _, err := os.Lstat(mnt); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if !m.IsMounted(name) {
		removeIfEmpty(mnt)
		return nil
	}

	if _, err := m.Runner.Run(ctx, runner.Cmd{
		Name: m.FusermountBin,
		Args: []string{"-u", mnt},
	}); err != nil {
		return fmt.Errorf("unmounting vault %s: %w", name, err)
	}
	removeIfEmpty(mnt)
	log.Info().Str("project", name).Msg("vault unmounted")
	return nil
}

// Exec runs argv with the mount point of name as working directory.
func (m *Manager) Exec(ctx context.Context, name string, argv []string) (runner.Output, error) {
	if err := ValidateName(name); err != nil {
		return runner.Output{}, err
	}
	if len(argv) == 0 {
		return runner.Output{}, errors.New("no command given")
	}
	if !m.IsMounted(name) {
		return runner.Output{}, fmt.Errorf("%w: %s", ErrNotMounted, name)
	}
	return m.Runner.Run(ctx, runner.Cmd{
		Name: argv[0],
		Args: argv[1:],
		Dir:  m.MountPoint(name),
	})
}

// removeIfEmpty removes dir only when it has no entries.
func removeIfEmpty(dir string) {
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Debug().Err(err).Str("dir", dir).Msg("leaving directory in place")
	}
}
