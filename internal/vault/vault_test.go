package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/org/enc/internal/runner"
	"github.com/org/enc/internal/runner/runnertest"
)

// fakeMounts tracks mounts made through a fake gocryptfs.
type fakeMounts map[string]bool

func (f fakeMounts) IsMountPoint(path string) (bool, error) {
	return f[path], nil
}

// newTestManager wires a Manager to a fake toolchain: gocryptfs -init writes
// a config file, a mount marks the mount point, fusermount clears it.
func newTestManager(t *testing.T) (*Manager, *runnertest.Recorder, fakeMounts) {
	t.Helper()
	root := t.TempDir()
	mounts := fakeMounts{}
	rec := &runnertest.Recorder{}
	rec.Handler = func(cmd runner.Cmd) (runner.Output, error) {
		switch {
		case cmd.Name == "gocryptfs" && cmd.Args[0] == "-init":
			dir := cmd.Args[len(cmd.Args)-1]
			return runner.Output{}, os.WriteFile(filepath.Join(dir, "gocryptfs.conf"), []byte("{}"), 0600)
		case cmd.Name == "gocryptfs":
			mounts[cmd.Args[len(cmd.Args)-1]] = true
		case cmd.Name == "fusermount":
			delete(mounts, cmd.Args[len(cmd.Args)-1])
		}
		return runner.Output{}, nil
	}
	m := New(filepath.Join(root, "vault"), filepath.Join(root, "run"), rec)
	m.Mounts = mounts
	return m, rec, mounts
}

func TestInitPassesPasswordOnStdin(t *testing.T) {
	m, rec, _ := newTestManager(t)
	dir, err := m.Init(context.Background(), "demo", []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	if dir != m.CipherDir("demo") {
		t.Errorf("unexpected dir %s", dir)
	}
	calls := rec.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %v", calls)
	}
	if string(calls[0].Stdin) != "hunter2\n" {
		t.Errorf("password must travel on stdin, got %q", calls[0].Stdin)
	}
	if strings.Contains(calls[0].String(), "hunter2") {
		t.Error("password leaked into argv")
	}
}

func TestInitTwiceConflicts(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Init(ctx, "demo", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(filepath.Join(m.CipherDir("demo"), "gocryptfs.conf"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Init(ctx, "demo", []byte("other")); !errors.Is(err, ErrVaultConflict) {
		t.Fatalf("expected ErrVaultConflict, got %v", err)
	}
	after, err := os.ReadFile(filepath.Join(m.CipherDir("demo"), "gocryptfs.conf"))
	if err != nil || string(after) != string(before) {
		t.Error("existing vault must be left untouched")
	}
	if rec.Count("gocryptfs") != 1 {
		t.Errorf("tool must not run on conflict, ran %d times", rec.Count("gocryptfs"))
	}
}

func TestInitFailureCleansUp(t *testing.T) {
	m, rec, _ := newTestManager(t)
	rec.Handler = func(runner.Cmd) (runner.Output, error) {
		return runner.Output{}, runnertest.Fail("gocryptfs", "fuse missing")
	}
	_, err := m.Init(context.Background(), "demo", []byte("pw"))
	if !errors.Is(err, runner.ErrExternalTool) {
		t.Fatalf("expected tool failure, got %v", err)
	}
	if _, err := os.Stat(m.CipherDir("demo")); !os.IsNotExist(err) {
		t.Error("empty cipher dir should be removed after failure")
	}
}

func TestMountTwiceRunsToolOnce(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Init(ctx, "demo", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		mnt, err := m.Mount(ctx, "demo", []byte("pw"))
		if err != nil {
			t.Fatal(err)
		}
		if mnt != m.MountPoint("demo") {
			t.Errorf("unexpected mount point %s", mnt)
		}
	}
	// one init, one mount
	if n := rec.Count("gocryptfs"); n != 2 {
		t.Errorf("expected 2 gocryptfs calls, got %d", n)
	}
	if !m.IsMounted("demo") {
		t.Error("expected mounted")
	}
}

func TestMountMissingVault(t *testing.T) {
	m, rec, _ := newTestManager(t)
	if _, err := m.Mount(context.Background(), "ghost", []byte("pw")); !errors.Is(err, ErrVaultMissing) {
		t.Fatalf("expected ErrVaultMissing, got %v", err)
	}
	if len(rec.Calls()) != 0 {
		t.Error("no tool should run for a missing vault")
	}
}

func TestMountFailureRemovesMountPoint(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Init(ctx, "demo", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	rec.Handler = func(runner.Cmd) (runner.Output, error) {
		return runner.Output{}, runnertest.Fail("gocryptfs", "password incorrect")
	}
	if _, err := m.Mount(ctx, "demo", []byte("bad")); err == nil {
		t.Fatal("expected mount failure")
	}
	if _, err := os.Stat(m.MountPoint("demo")); !os.IsNotExist(err) {
		t.Error("mount point should be removed after failure")
	}
}

func TestUnmount(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	// never mounted, no mount point
	if err := m.Unmount(ctx, "demo"); err != nil {
		t.Fatalf("unmount of absent mount point: %v", err)
	}
	if rec.Count("fusermount") != 0 {
		t.Error("fusermount should not run without a mount")
	}

	// stale directory
	if err := os.MkdirAll(m.MountPoint("stale"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := m.Unmount(ctx, "stale"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(m.MountPoint("stale")); !os.IsNotExist(err) {
		t.Error("stale mount point should be removed")
	}

	// mounted
	if _, err := m.Init(ctx, "demo", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mount(ctx, "demo", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	if err := m.Unmount(ctx, "demo"); err != nil {
		t.Fatal(err)
	}
	if rec.Count("fusermount") != 1 {
		t.Errorf("expected one fusermount call, got %d", rec.Count("fusermount"))
	}
	if _, err := os.Stat(m.MountPoint("demo")); !os.IsNotExist(err) {
		t.Error("mount point should be removed after unmount")
	}
}

func TestExecRequiresMount(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Exec(ctx, "demo", []string{"ls"}); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("expected ErrNotMounted, got %v", err)
	}
	if _, err := m.Init(ctx, "demo", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mount(ctx, "demo", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Exec(ctx, "demo", []string{"make", "build"}); err != nil {
		t.Fatal(err)
	}
	calls := rec.Calls()
	last := calls[len(calls)-1]
	if last.String() != "make build" || last.Dir != m.MountPoint("demo") {
		t.Errorf("unexpected exec %+v", last)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"demo", "my-app_1.0", "A"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("%q rejected: %v", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "a/b", "../etc", "x y", "p;rm"} {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("%q accepted", name)
		}
	}
}

func TestSystemMountsRoot(t *testing.T) {
	ok, err := SystemMounts{}.IsMountPoint("/")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("/ is always a mount point")
	}
	ok, err = SystemMounts{}.IsMountPoint(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a fresh temp dir is not a mount point")
	}
}

func TestDiscard(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Init(ctx, "demo", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mount(ctx, "demo", []byte("pw")); err != nil {
		t.Fatal(err)
	}
	if err := m.Discard("demo"); err == nil {
		t.Error("a mounted vault must not be discarded")
	}
	if err := m.Unmount(ctx, "demo"); err != nil {
		t.Fatal(err)
	}
	if err := m.Discard("demo"); err != nil {
		t.Fatal(err)
	}
	if m.Exists("demo") {
		t.Error("cipher dir should be gone")
	}
	if err := m.Discard("../etc"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}
