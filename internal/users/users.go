// Package users manages the server's login accounts and their policy
// records together.
package users

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/org/enc/internal/policy"
	"github.com/org/enc/internal/runner"
	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ReservedUser is the bootstrap administrator, which cannot be deleted.
const ReservedUser = "admin"

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidKey      = errors.New("invalid ssh public key")
	ErrNotManageable   = errors.New("not allowed to manage users of this role")
	ErrSelfDelete      = errors.New("cannot delete yourself")
	ErrSelfRole        = errors.New("cannot change your own role")
	ErrReserved        = errors.New("user is reserved")
	ErrNoSuchUser      = errors.New("no such user")
)

var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Policy is the part of the authorization engine user management needs.
type Policy interface {
	Role(ctx context.Context, username string) (models.Role, bool)
	CanManageRole(ctx context.Context, actor string, target models.Role) bool
	AddUser(ctx context.Context, username string, role models.Role, permissions []string) error
	RemoveUser(ctx context.Context, username string) error
	SetUserRole(ctx context.Context, username string, role models.Role) error
	Users(ctx context.Context) ([]policy.UserInfo, error)
}

// Manager creates and removes accounts through sudo.
type Manager struct {
	Policy     Policy
	Runner     runner.Runner
	SudoBin    string
	LoginShell string
	HomeRoot   string
}

// CreateRequest describes a new account. Password may be empty for a
// key-only account.
type CreateRequest struct {
	Username string
	Password []byte
	Role     models.Role
	SSHKey   string
}

// ValidateUsername checks name against the conventional login-name rules.
func ValidateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	}
	return nil
}

// NormalizeKey parses an authorized_keys line and returns it in canonical
// form, keeping its comment.
func NormalizeKey(line string) (string, error) {
	key, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	out := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if comment != "" {
		out += " " + comment
	}
	return out, nil
}

func (m *Manager) sudo(ctx context.Context, stdin []byte, args ...string) error {
	_, err := m.Runner.Run(ctx, runner.Cmd{
		Name:  m.SudoBin,
		Args:  append([]string{"-n"}, args...),
		Stdin: stdin,
	})
	return err
}

func (m *Manager) systemUserExists(ctx context.Context, username string) bool {
	_, err := m.Runner.Run(ctx, runner.Cmd{Name: "id", Args: []string{"-u", username}})
	return err == nil
}

func (m *Manager) home(username string) string {
	root := m.HomeRoot
	if root == "" {
		root = "/home"
	}
	return filepath.Join(root, username)
}

// Create adds the system account of req and its policy record on behalf
// of actor.
func (m *Manager) Create(ctx context.Context, actor string, req CreateRequest) (*models.Result, error) {
	if err := ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	if !req.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", req.Role)
	}
	if !m.Policy.CanManageRole(ctx, actor, req.Role) {
		return nil, fmt.Errorf("%w: %s may not create %s users", ErrNotManageable, actor, req.Role)
	}
	var key string
	if req.SSHKey != "" {
		k, err := NormalizeKey(req.SSHKey)
		if err != nil {
			return nil, err
		}
		key = k
	}
	if _, ok := m.Policy.Role(ctx, req.Username); ok {
		return nil, fmt.Errorf("%w: %s", policy.ErrUserExists, req.Username)
	}

	if m.systemUserExists(ctx, req.Username) {
		log.Info().Str("user", req.Username).Msg("system account exists, only adding policy record")
	} else if err := m.provision(ctx, req.Username, req.Password, key); err != nil {
		return nil, err
	}

	if err := m.Policy.AddUser(ctx, req.Username, req.Role, nil); err != nil {
		return nil, fmt.Errorf("adding %s to policy: %w", req.Username, err)
	}
	log.Info().Str("user", req.Username).Str("role", string(req.Role)).Str("by", actor).Msg("user created")
	return models.Success(fmt.Sprintf("user %s created with role %s", req.Username, req.Role)), nil
}

func (m *Manager) provision(ctx context.Context, username string, password []byte, key string) error {
	if err := m.sudo(ctx, nil, "adduser", "-D", "-s", m.LoginShell, username); err != nil {
		return fmt.Errorf("creating system user: %w", err)
	}
	if len(password) > 0 {
		in := make([]byte, 0, len(username)+len(password)+2)
		in = append(in, username+":"...)
		in = append(in, password...)
		in = append(in, '\n')
		if err := m.sudo(ctx, in, "chpasswd"); err != nil {
			return fmt.Errorf("setting password: %w", err)
		}
	} else if err := m.sudo(ctx, nil, "passwd", "-l", username); err != nil {
		log.Warn().Err(err).Str("user", username).Msg("could not lock password")
	}

	home := m.home(username)
	sshDir := filepath.Join(home, ".ssh")
	authFile := filepath.Join(sshDir, "authorized_keys")
	if err := m.sudo(ctx, nil, "mkdir", "-p", sshDir); err != nil {
		return fmt.Errorf("creating %s: %w", sshDir, err)
	}
	if key != "" {
		if err := m.sudo(ctx, []byte(key+"\n"), "tee", "-a", authFile); err != nil {
			return fmt.Errorf("installing ssh key: %w", err)
		}
	}
	if err := m.sudo(ctx, nil, "chown", "-R", username+":"+username, home); err != nil {
		return fmt.Errorf("fixing ownership: %w", err)
	}
	if err := m.sudo(ctx, nil, "chmod", "700", sshDir); err != nil {
		return fmt.Errorf("fixing permissions: %w", err)
	}
	if key != "" {
		if err := m.sudo(ctx, nil, "chmod", "600", authFile); err != nil {
			return fmt.Errorf("fixing permissions: %w", err)
		}
	}
	return nil
}

// Delete removes username's account and policy record on behalf of actor.
func (m *Manager) Delete(ctx context.Context, actor, username string) (*models.Result, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if username == actor {
		return nil, ErrSelfDelete
	}
	if username == ReservedUser {
		return nil, fmt.Errorf("%w: %s", ErrReserved, username)
	}
	role, inPolicy := m.Policy.Role(ctx, username)
	if !inPolicy {
		role = models.RoleUser
	}
	if !m.Policy.CanManageRole(ctx, actor, role) {
		return nil, fmt.Errorf("%w: %s may not delete %s users", ErrNotManageable, actor, role)
	}

	exists := m.systemUserExists(ctx, username)
	if !exists && !inPolicy {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchUser, username)
	}
	if exists {
		if err := m.sudo(ctx, nil, "deluser", "--remove-home", username); err != nil {
			return nil, fmt.Errorf("deleting system user: %w", err)
		}
	}
	if err := m.Policy.RemoveUser(ctx, username); err != nil {
		return nil, fmt.Errorf("removing %s from policy: %w", username, err)
	}
	log.Info().Str("user", username).Str("by", actor).Msg("user deleted")
	return models.Success(fmt.Sprintf("user %s deleted", username)), nil
}

// SetRole moves username to role. actor must be able to manage both the
// current and the new role.
func (m *Manager) SetRole(ctx context.Context, actor, username string, role models.Role) (*models.Result, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if username == actor {
		return nil, ErrSelfRole
	}
	current, ok := m.Policy.Role(ctx, username)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchUser, username)
	}
	if !m.Policy.CanManageRole(ctx, actor, current) || !m.Policy.CanManageRole(ctx, actor, role) {
		return nil, fmt.Errorf("%w: %s may not move %s from %s to %s", ErrNotManageable, actor, username, current, role)
	}
	if err := m.Policy.SetUserRole(ctx, username, role); err != nil {
		return nil, err
	}
	log.Info().Str("user", username).Str("role", string(role)).Str("by", actor).Msg("user role changed")
	return models.Success(fmt.Sprintf("%s is now %s", username, role)), nil
}

// List returns every policy user.
func (m *Manager) List(ctx context.Context) (*models.Result, error) {
	users, err := m.Policy.Users(ctx)
	if err != nil {
		return nil, err
	}
	return &models.Result{
		Status:  models.StatusSuccess,
		Message: fmt.Sprintf("%d user(s)", len(users)),
		Data:    map[string]any{"users": users},
	}, nil
}
