package users

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/org/enc/internal/policy"
	"github.com/org/enc/internal/runner"
	"github.com/org/enc/internal/runner/runnertest"
	"github.com/org/enc/pkg/models"
	"golang.org/x/crypto/ssh"
)

func testKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " dave@laptop"
}

// newManager returns a Manager over a temp policy and a recorder in which
// `id` fails for every name not in existing.
func newManager(t *testing.T, existing ...string) (*Manager, *policy.Engine, *runnertest.Recorder) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	doc := `{"users": {
		"root":  {"role": "super-admin", "permissions": []},
		"admin": {"role": "admin", "permissions": []},
		"boss":  {"role": "admin", "permissions": []},
		"alice": {"role": "user", "permissions": []}
	}}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	eng := policy.NewEngine(policy.NewStore(path, "", policy.DirectWriter{}, nil))
	rec := &runnertest.Recorder{Handler: func(cmd runner.Cmd) (runner.Output, error) {
		if cmd.Name == "id" {
			for _, u := range existing {
				if cmd.Args[len(cmd.Args)-1] == u {
					return runner.Output{Stdout: []byte("1000\n")}, nil
				}
			}
			return runner.Output{}, runnertest.Fail("id", "no such user")
		}
		return runner.Output{}, nil
	}}
	return &Manager{
		Policy:     eng,
		Runner:     rec,
		SudoBin:    "sudo",
		LoginShell: "/usr/local/bin/enc-shell",
	}, eng, rec
}

func TestCreateProvisionsAccount(t *testing.T) {
	m, eng, rec := newManager(t)
	ctx := context.Background()
	key := testKey(t)

	_, err := m.Create(ctx, "boss", CreateRequest{Username: "dave", Password: []byte("s3cret"), SSHKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if role, ok := eng.Role(ctx, "dave"); !ok || role != models.RoleUser {
		t.Errorf("expected dave in policy as user, got %q %v", role, ok)
	}

	var sawShell, sawPassword, sawKey bool
	for _, c := range rec.Calls() {
		if strings.Contains(c.String(), "s3cret") {
			t.Errorf("password leaked into argv: %s", c)
		}
		switch runnertest.Tool(c) {
		case "adduser":
			sawShell = strings.Contains(c.String(), "-s /usr/local/bin/enc-shell dave")
		case "chpasswd":
			sawPassword = string(c.Stdin) == "dave:s3cret\n"
		case "tee":
			sawKey = string(c.Stdin) == key+"\n" && strings.HasSuffix(c.String(), "/home/dave/.ssh/authorized_keys")
		}
	}
	if !sawShell || !sawPassword || !sawKey {
		t.Errorf("missing provisioning step: shell=%v password=%v key=%v", sawShell, sawPassword, sawKey)
	}
}

func TestCreateKeyOnlyLocksPassword(t *testing.T) {
	m, _, rec := newManager(t)
	if _, err := m.Create(context.Background(), "boss", CreateRequest{Username: "erin"}); err != nil {
		t.Fatal(err)
	}
	if rec.Count("chpasswd") != 0 || rec.Count("passwd") != 1 {
		t.Errorf("expected locked password, calls: %v", rec.Calls())
	}
}

func TestCreateRejections(t *testing.T) {
	m, _, rec := newManager(t)
	ctx := context.Background()

	cases := []struct {
		actor string
		req   CreateRequest
		want  error
	}{
		{"boss", CreateRequest{Username: "Bad Name"}, ErrInvalidUsername},
		{"boss", CreateRequest{Username: "dave", SSHKey: "ssh-rsa garbage"}, ErrInvalidKey},
		{"boss", CreateRequest{Username: "dave", Role: models.RoleSuperAdmin}, ErrNotManageable},
		{"alice", CreateRequest{Username: "dave"}, ErrNotManageable},
		{"boss", CreateRequest{Username: "alice"}, policy.ErrUserExists},
	}
	for _, tc := range cases {
		if _, err := m.Create(ctx, tc.actor, tc.req); !errors.Is(err, tc.want) {
			t.Errorf("%s creating %+v: expected %v, got %v", tc.actor, tc.req.Username, tc.want, err)
		}
	}
	if rec.Count("adduser") != 0 {
		t.Error("no account should be created on rejection")
	}
}

func TestCreateExistingSystemAccount(t *testing.T) {
	m, eng, rec := newManager(t, "frank")
	if _, err := m.Create(context.Background(), "root", CreateRequest{Username: "frank", Role: models.RoleAdmin}); err != nil {
		t.Fatal(err)
	}
	if rec.Count("adduser") != 0 {
		t.Error("existing account should not be re-created")
	}
	if role, _ := eng.Role(context.Background(), "frank"); role != models.RoleAdmin {
		t.Errorf("expected admin role, got %q", role)
	}
}

func TestDelete(t *testing.T) {
	m, eng, rec := newManager(t, "alice", "boss", "admin")
	ctx := context.Background()

	if _, err := m.Delete(ctx, "boss", "boss"); !errors.Is(err, ErrSelfDelete) {
		t.Errorf("expected ErrSelfDelete, got %v", err)
	}
	if _, err := m.Delete(ctx, "root", "admin"); !errors.Is(err, ErrReserved) {
		t.Errorf("expected ErrReserved, got %v", err)
	}
	if _, err := m.Delete(ctx, "alice", "boss"); !errors.Is(err, ErrNotManageable) {
		t.Errorf("expected ErrNotManageable, got %v", err)
	}
	if _, err := m.Delete(ctx, "boss", "root"); !errors.Is(err, ErrNotManageable) {
		t.Errorf("admin must not delete a super-admin, got %v", err)
	}
	if _, err := m.Delete(ctx, "boss", "ghost"); !errors.Is(err, ErrNoSuchUser) {
		t.Errorf("expected ErrNoSuchUser, got %v", err)
	}
	if rec.Count("deluser") != 0 {
		t.Fatal("no account should be removed yet")
	}

	if _, err := m.Delete(ctx, "boss", "alice"); err != nil {
		t.Fatal(err)
	}
	if rec.Count("deluser") != 1 {
		t.Error("expected deluser")
	}
	if _, ok := eng.Role(ctx, "alice"); ok {
		t.Error("alice should be gone from policy")
	}
}

func TestList(t *testing.T) {
	m, _, _ := newManager(t)
	res, err := m.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	users, ok := res.Data["users"].([]policy.UserInfo)
	if !ok || len(users) != 4 {
		t.Fatalf("unexpected listing %+v", res.Data)
	}
}

func TestNormalizeKey(t *testing.T) {
	key := testKey(t)
	got, err := NormalizeKey("  " + key + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if got != key {
		t.Errorf("expected %q, got %q", key, got)
	}
}

func TestSetRole(t *testing.T) {
	m, eng, _ := newManager(t)
	ctx := context.Background()

	cases := []struct {
		actor, user string
		role        models.Role
		want        error
	}{
		{"boss", "boss", models.RoleUser, ErrSelfRole},
		{"boss", "ghost", models.RoleUser, ErrNoSuchUser},
		{"alice", "boss", models.RoleUser, ErrNotManageable},
		{"boss", "root", models.RoleUser, ErrNotManageable},
		{"boss", "alice", models.RoleSuperAdmin, ErrNotManageable},
	}
	for _, tc := range cases {
		if _, err := m.SetRole(ctx, tc.actor, tc.user, tc.role); !errors.Is(err, tc.want) {
			t.Errorf("%s setting %s to %s: expected %v, got %v", tc.actor, tc.user, tc.role, tc.want, err)
		}
	}
	if _, err := m.SetRole(ctx, "boss", "alice", models.Role("god")); err == nil {
		t.Error("invalid role should fail")
	}

	if _, err := m.SetRole(ctx, "boss", "alice", models.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if role, _ := eng.Role(ctx, "alice"); role != models.RoleAdmin {
		t.Errorf("expected alice to be admin, got %s", role)
	}
	if _, err := m.SetRole(ctx, "root", "boss", models.RoleSuperAdmin); err != nil {
		t.Fatal(err)
	}
}
