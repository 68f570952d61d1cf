package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/org/enc/internal/runner"
	"github.com/org/enc/internal/runner/runnertest"
	"github.com/org/enc/pkg/models"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStoreLoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"), "", DirectWriter{}, nil)
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrPolicyUnavailable) {
		t.Fatalf("expected ErrPolicyUnavailable, got %v", err)
	}
}

func TestStoreLoadCorrupt(t *testing.T) {
	s := NewStore(writePolicy(t, `{"users": [`), "", DirectWriter{}, nil)
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrPolicyCorrupt) {
		t.Fatalf("expected ErrPolicyCorrupt, got %v", err)
	}
}

func TestStoreLoadAcceptsComments(t *testing.T) {
	s := NewStore(writePolicy(t, `{
	// operators
	"users": {
		"alice": {"role": "admin", "permissions": [],}, /* trailing comma */
	},
}`), "", DirectWriter{}, nil)
	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec := doc.User("alice"); rec == nil || rec.Role != models.RoleAdmin {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestStoreUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(path, []byte(`{"users": {"bob": ["init"]}}`), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, filepath.Join(dir, "policy.lock"), DirectWriter{}, nil)
	ctx := context.Background()

	err := s.Update(ctx, func(doc *models.PolicyDocument) error {
		doc.User("bob").Projects["demo"] = models.ProjectMetadata{VaultPath: models.StringPtr("/v/demo")}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"role": "user"`) || !strings.Contains(string(data), `"vault_path": "/v/demo"`) {
		t.Errorf("unexpected document:\n%s", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("expected mode 0644, got %v", info.Mode().Perm())
	}
}

func TestStoreUpdateAbortsOnCallbackError(t *testing.T) {
	original := `{"users": {"bob": ["init"]}}`
	path := writePolicy(t, original)
	s := NewStore(path, "", DirectWriter{}, nil)

	boom := errors.New("boom")
	err := s.Update(context.Background(), func(doc *models.PolicyDocument) error {
		delete(doc.Users, "bob")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != original {
		t.Errorf("document changed after aborted update: %s", data)
	}
}

func TestStoreReadEscalatesOnPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permissions")
	}
	path := writePolicy(t, `{}`)
	if err := os.Chmod(path, 0); err != nil {
		t.Fatal(err)
	}
	rec := &runnertest.Recorder{Handler: func(cmd runner.Cmd) (runner.Output, error) {
		return runner.Output{Stdout: []byte(`{"users": {"root": {"role": "super-admin"}}}`)}, nil
	}}
	s := NewStore(path, "", DirectWriter{}, &Escalator{Bin: "sudo", Runner: rec})

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if doc.User("root") == nil {
		t.Error("expected document read through escalation")
	}
	calls := rec.Calls()
	if len(calls) != 1 || calls[0].String() != "sudo -n cat "+path {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestEscalatedWriterStagesThenRenames(t *testing.T) {
	rec := &runnertest.Recorder{}
	w := EscalatedWriter{Escalator: &Escalator{Bin: "sudo", Runner: rec}}

	if err := w.WriteFile(context.Background(), "/etc/enc/policy.json", []byte("{}\n")); err != nil {
		t.Fatal(err)
	}
	calls := rec.Calls()
	want := []string{
		"sudo -n tee /etc/enc/.policy.json.staged",
		"sudo -n chmod 644 /etc/enc/.policy.json.staged",
		"sudo -n mv -f /etc/enc/.policy.json.staged /etc/enc/policy.json",
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), calls)
	}
	for i, c := range calls {
		if c.String() != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], c.String())
		}
	}
	if string(calls[0].Stdin) != "{}\n" {
		t.Errorf("document must travel on stdin, got %q", calls[0].Stdin)
	}
}

func TestEscalatedWriterStopsOnFailure(t *testing.T) {
	rec := &runnertest.Recorder{Handler: func(cmd runner.Cmd) (runner.Output, error) {
		return runner.Output{}, runnertest.Fail("sudo", "a password is required")
	}}
	w := EscalatedWriter{Escalator: &Escalator{Bin: "sudo", Runner: rec}}

	err := w.WriteFile(context.Background(), "/etc/enc/policy.json", []byte("{}"))
	if !errors.Is(err, runner.ErrExternalTool) {
		t.Fatalf("expected tool error, got %v", err)
	}
	if len(rec.Calls()) != 1 {
		t.Errorf("expected to stop after staging failed, got %d calls", len(rec.Calls()))
	}
}
