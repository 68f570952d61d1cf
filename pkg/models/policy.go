package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Role is a user's position in the management hierarchy.
type Role string

// Roles known to the policy document.
const (
	RoleSuperAdmin Role = "super-admin"
	RoleAdmin      Role = "admin"
	RoleUser       Role = "user"
)

// Valid returns true for one of the three defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleUser:
		return true
	}
	return false
}

// Wildcard grants every command when present in a permission set.
const Wildcard = "*"

// ProjectMetadata describes where a user's project lives on the server.
// Nil fields are written as JSON null.
type ProjectMetadata struct {
	MountPath *string `json:"mount_path"`
	VaultPath *string `json:"vault_path"`
	Exec      *string `json:"exec"`
}

// Merge overwrites fields of m with the non-nil fields of other.
func (m *ProjectMetadata) Merge(other ProjectMetadata) {
	if other.MountPath != nil {
		m.MountPath = other.MountPath
	}
	if other.VaultPath != nil {
		m.VaultPath = other.VaultPath
	}
	if other.Exec != nil {
		m.Exec = other.Exec
	}
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// UserRecord is one entry of the policy document's "users" map.
//
// Older documents store a user as a bare list of permission strings. Such
// records decode with Legacy set, role "user" and no projects; they are
// always re-encoded in the object form, so the first write migrates them.
type UserRecord struct {
	Role        Role                       `json:"role"`
	Permissions []string                   `json:"permissions"`
	Projects    map[string]ProjectMetadata `json:"projects"`
	Legacy      bool                       `json:"-"`
}

type userRecordJSON struct {
	Role        Role            `json:"role"`
	Permissions []string        `json:"permissions"`
	Projects    json.RawMessage `json:"projects"`
}

// UnmarshalJSON decodes either the legacy list form or the object form.
func (u *UserRecord) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var perms []string
		if err := json.Unmarshal(data, &perms); err != nil {
			return fmt.Errorf("decoding legacy user record: %w", err)
		}
		*u = UserRecord{
			Role:        RoleUser,
			Permissions: perms,
			Projects:    map[string]ProjectMetadata{},
			Legacy:      true,
		}
		return nil
	}

	var raw userRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding user record: %w", err)
	}
	projects, err := decodeProjects(raw.Projects)
	if err != nil {
		return err
	}
	role := raw.Role
	if role == "" {
		role = RoleUser
	}
	*u = UserRecord{
		Role:        role,
		Permissions: raw.Permissions,
		Projects:    projects,
	}
	return nil
}

// MarshalJSON always writes the object form.
func (u UserRecord) MarshalJSON() ([]byte, error) {
	perms := u.Permissions
	if perms == nil {
		perms = []string{}
	}
	projects := u.Projects
	if projects == nil {
		projects = map[string]ProjectMetadata{}
	}
	role := u.Role
	if role == "" {
		role = RoleUser
	}
	return json.Marshal(struct {
		Role        Role                       `json:"role"`
		Permissions []string                   `json:"permissions"`
		Projects    map[string]ProjectMetadata `json:"projects"`
	}{role, perms, projects})
}

// decodeProjects accepts a project map, a bare list of project names, or nothing.
func decodeProjects(raw json.RawMessage) (map[string]ProjectMetadata, error) {
	projects := map[string]ProjectMetadata{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return projects, nil
	}
	if raw[0] == '[' {
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return nil, fmt.Errorf("decoding legacy project list: %w", err)
		}
		for _, name := range names {
			projects[name] = ProjectMetadata{}
		}
		return projects, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding projects: %w", err)
	}
	for name, entry := range entries {
		var meta ProjectMetadata
		trimmed := bytes.TrimSpace(entry)
		// Anything that is not an object degrades to an empty placeholder.
		if len(trimmed) > 0 && trimmed[0] == '{' {
			if err := json.Unmarshal(trimmed, &meta); err != nil {
				return nil, fmt.Errorf("decoding project %q: %w", name, err)
			}
		}
		projects[name] = meta
	}
	return projects, nil
}

// PolicyDocument is the on-disk authorization policy.
type PolicyDocument struct {
	Users    map[string]*UserRecord `json:"users"`
	AllowAll []string               `json:"allow_all"`
}

// NewPolicyDocument returns an empty document.
func NewPolicyDocument() *PolicyDocument {
	return &PolicyDocument{Users: map[string]*UserRecord{}, AllowAll: []string{}}
}

// Normalize fills nil maps and slices so callers can mutate freely.
func (d *PolicyDocument) Normalize() {
	if d.Users == nil {
		d.Users = map[string]*UserRecord{}
	}
	if d.AllowAll == nil {
		d.AllowAll = []string{}
	}
	for name, rec := range d.Users {
		if rec == nil {
			delete(d.Users, name)
			continue
		}
		if rec.Projects == nil {
			rec.Projects = map[string]ProjectMetadata{}
		}
		if rec.Role == "" {
			rec.Role = RoleUser
		}
	}
}

// User returns the record for username, or nil.
func (d *PolicyDocument) User(username string) *UserRecord {
	if d == nil || d.Users == nil {
		return nil
	}
	return d.Users[username]
}

// Usernames returns the sorted list of users in the document.
func (d *PolicyDocument) Usernames() []string {
	names := make([]string, 0, len(d.Users))
	for name := range d.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CopyProjects returns a deep copy of a project map.
func CopyProjects(in map[string]ProjectMetadata) map[string]ProjectMetadata {
	out := make(map[string]ProjectMetadata, len(in))
	for name, meta := range in {
		out[name] = ProjectMetadata{
			MountPath: copyString(meta.MountPath),
			VaultPath: copyString(meta.VaultPath),
			Exec:      copyString(meta.Exec),
		}
	}
	return out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
