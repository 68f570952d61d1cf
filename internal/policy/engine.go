package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/org/enc/pkg/models"
)

// ErrUnknownUser is returned when a username has no policy record.
var ErrUnknownUser = errors.New("user not found in policy")

// ErrUserExists is returned by AddUser for a username already in the policy.
var ErrUserExists = errors.New("user already exists in policy")

// RolePermissions lists the commands each role grants. Super-admins are
// not listed; they are granted everything.
var RolePermissions = map[models.Role][]string{
	models.RoleAdmin: {
		"status", "server-login", "server-logout",
		"user add", "user list", "user remove",
		"init", "server-project-init", "server-project-mount", "server-project-unmount",
		"server-project-sync", "server-project-run", "server-project-remove",
		"show users", "server-user-create", "server-user-delete", "server-user-list", "server-user-role",
		"server-project-list", "project list",
	},
	models.RoleUser: {
		"status", "server-login", "server-logout",
		"init", "server-project-init", "server-project-mount", "server-project-unmount",
		"server-project-sync", "server-project-run", "server-project-remove",
		"server-project-list", "project list",
	},
}

// DocumentStore is the minimal interface the Engine needs from storage.
type DocumentStore interface {
	Load(ctx context.Context) (*models.PolicyDocument, error)
	Update(ctx context.Context, fn func(doc *models.PolicyDocument) error) error
}

// Engine answers authorization questions against the policy document.
type Engine struct {
	store DocumentStore
}

// NewEngine creates a new Engine backed by the given store.
func NewEngine(store DocumentStore) *Engine {
	return &Engine{store: store}
}

// Role returns the user's role; ok is false when the user is absent or the
// policy cannot be read.
func (e *Engine) Role(ctx context.Context, username string) (models.Role, bool) {
	doc, err := e.store.Load(ctx)
	if err != nil {
		return "", false
	}
	rec := doc.User(username)
	if rec == nil {
		return "", false
	}
	return rec.Role, true
}

// Permissions returns the effective command set of a user: role commands,
// policy-wide allow_all and the user's explicit permissions.
func (e *Engine) Permissions(ctx context.Context, username string) ([]string, error) {
	doc, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return effectivePermissions(doc, username)
}

func effectivePermissions(doc *models.PolicyDocument, username string) ([]string, error) {
	rec := doc.User(username)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	if rec.Role == models.RoleSuperAdmin {
		return []string{models.Wildcard}, nil
	}

	set := map[string]bool{}
	for _, c := range RolePermissions[rec.Role] {
		set[c] = true
	}
	for _, c := range doc.AllowAll {
		set[c] = true
	}
	for _, c := range rec.Permissions {
		set[c] = true
	}
	perms := make([]string, 0, len(set))
	for c := range set {
		perms = append(perms, c)
	}
	sort.Strings(perms)
	return perms, nil
}

// IsAllowed returns true if the user may run command. Any failure to read
// the policy, or an unknown user, denies.
func (e *Engine) IsAllowed(ctx context.Context, username, command string) bool {
	perms, err := e.Permissions(ctx, username)
	if err != nil {
		return false
	}
	for _, c := range perms {
		if c == command || c == models.Wildcard {
			return true
		}
	}
	return false
}

// CanManageRole reports whether actor may create or remove a user holding
// target. Super-admins manage everyone, admins manage admins and users.
func (e *Engine) CanManageRole(ctx context.Context, actor string, target models.Role) bool {
	role, ok := e.Role(ctx, actor)
	if !ok {
		return false
	}
	switch role {
	case models.RoleSuperAdmin:
		return true
	case models.RoleAdmin:
		return target == models.RoleAdmin || target == models.RoleUser
	}
	return false
}

// Snapshot returns the effective permissions and a copy of the project map
// of a user, from a single read of the policy.
func (e *Engine) Snapshot(ctx context.Context, username string) ([]string, map[string]models.ProjectMetadata, error) {
	doc, err := e.store.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	perms, err := effectivePermissions(doc, username)
	if err != nil {
		return nil, nil, err
	}
	return perms, models.CopyProjects(doc.User(username).Projects), nil
}

// Projects returns the project metadata of a user.
func (e *Engine) Projects(ctx context.Context, username string) (map[string]models.ProjectMetadata, error) {
	doc, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec := doc.User(username)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return models.CopyProjects(rec.Projects), nil
}

// UserInfo is a listing row.
type UserInfo struct {
	Username    string                            `json:"username"`
	Role        models.Role                       `json:"role"`
	Permissions []string                          `json:"permissions"`
	Projects    map[string]models.ProjectMetadata `json:"projects"`
	Legacy      bool                              `json:"legacy,omitempty"`
}

// Users lists every user in the policy, sorted by name.
func (e *Engine) Users(ctx context.Context) ([]UserInfo, error) {
	doc, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]UserInfo, 0, len(doc.Users))
	for _, name := range doc.Usernames() {
		rec := doc.Users[name]
		users = append(users, UserInfo{
			Username:    name,
			Role:        rec.Role,
			Permissions: append([]string{}, rec.Permissions...),
			Projects:    models.CopyProjects(rec.Projects),
			Legacy:      rec.Legacy,
		})
	}
	return users, nil
}

// AddUserProject creates or updates a project entry of a user and persists
// immediately. On update only the non-nil fields of meta are applied. A user
// missing from the policy is created with the "user" role.
func (e *Engine) AddUserProject(ctx context.Context, username, project string, meta models.ProjectMetadata) error {
	return e.store.Update(ctx, func(doc *models.PolicyDocument) error {
		rec := doc.User(username)
		if rec == nil {
			rec = &models.UserRecord{Role: models.RoleUser, Projects: map[string]models.ProjectMetadata{}}
			doc.Users[username] = rec
		}
		existing, ok := rec.Projects[project]
		if !ok {
			rec.Projects[project] = meta
			return nil
		}
		existing.Merge(meta)
		rec.Projects[project] = existing
		return nil
	})
}

// SetProjectMount records or clears the mount path of a project.
func (e *Engine) SetProjectMount(ctx context.Context, username, project string, mountPath *string) error {
	return e.store.Update(ctx, func(doc *models.PolicyDocument) error {
		rec := doc.User(username)
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrUnknownUser, username)
		}
		meta := rec.Projects[project]
		meta.MountPath = mountPath
		rec.Projects[project] = meta
		return nil
	})
}

// RemoveUserProject drops a project entry; absent entries are a no-op.
func (e *Engine) RemoveUserProject(ctx context.Context, username, project string) error {
	doc, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	if rec := doc.User(username); rec == nil {
		return nil
	} else if _, ok := rec.Projects[project]; !ok {
		return nil
	}
	return e.store.Update(ctx, func(doc *models.PolicyDocument) error {
		if rec := doc.User(username); rec != nil {
			delete(rec.Projects, project)
		}
		return nil
	})
}

// AddUser creates a policy record.
func (e *Engine) AddUser(ctx context.Context, username string, role models.Role, permissions []string) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	return e.store.Update(ctx, func(doc *models.PolicyDocument) error {
		if doc.User(username) != nil {
			return fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		doc.Users[username] = &models.UserRecord{
			Role:        role,
			Permissions: append([]string{}, permissions...),
			Projects:    map[string]models.ProjectMetadata{},
		}
		return nil
	})
}

// RemoveUser deletes a policy record; absent users are a no-op.
func (e *Engine) RemoveUser(ctx context.Context, username string) error {
	doc, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	if doc.User(username) == nil {
		return nil
	}
	return e.store.Update(ctx, func(doc *models.PolicyDocument) error {
		delete(doc.Users, username)
		return nil
	})
}

// SetUserRole changes the role of an existing user.
func (e *Engine) SetUserRole(ctx context.Context, username string, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	return e.store.Update(ctx, func(doc *models.PolicyDocument) error {
		rec := doc.User(username)
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrUnknownUser, username)
		}
		rec.Role = role
		return nil
	})
}
