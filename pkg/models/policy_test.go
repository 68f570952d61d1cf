package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestUserRecordLegacyList(t *testing.T) {
	var doc PolicyDocument
	raw := `{"users": {"bob": ["init", "status"]}, "allow_all": ["status"]}`
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rec := doc.User("bob")
	if rec == nil {
		t.Fatal("expected bob record")
	}
	if !rec.Legacy {
		t.Error("expected legacy flag")
	}
	if rec.Role != RoleUser {
		t.Errorf("expected role user, got %q", rec.Role)
	}
	if len(rec.Permissions) != 2 || rec.Permissions[0] != "init" {
		t.Errorf("unexpected permissions %v", rec.Permissions)
	}
	if rec.Projects == nil || len(rec.Projects) != 0 {
		t.Errorf("expected empty project map, got %v", rec.Projects)
	}
}

func TestUserRecordLegacyProjectList(t *testing.T) {
	var rec UserRecord
	raw := `{"role": "admin", "permissions": [], "projects": ["demo", "web"]}`
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Role != RoleAdmin {
		t.Errorf("expected admin, got %q", rec.Role)
	}
	meta, ok := rec.Projects["demo"]
	if !ok {
		t.Fatal("expected demo placeholder")
	}
	if meta.MountPath != nil || meta.VaultPath != nil || meta.Exec != nil {
		t.Errorf("expected null placeholders, got %+v", meta)
	}
}

func TestUserRecordNonObjectProjectValue(t *testing.T) {
	var rec UserRecord
	raw := `{"role": "user", "projects": {"demo": ["a", "b"], "web": {"vault_path": "/v/web"}}}`
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Projects["demo"].VaultPath != nil {
		t.Error("expected placeholder for non-object project value")
	}
	if got := rec.Projects["web"].VaultPath; got == nil || *got != "/v/web" {
		t.Errorf("unexpected web vault path %v", got)
	}
}

func TestUserRecordMissingRoleDefaultsToUser(t *testing.T) {
	var rec UserRecord
	if err := json.Unmarshal([]byte(`{"permissions": ["init"]}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Role != RoleUser {
		t.Errorf("expected user role, got %q", rec.Role)
	}
}

func TestUserRecordMarshalWritesObjectForm(t *testing.T) {
	var doc PolicyDocument
	if err := json.Unmarshal([]byte(`{"users": {"bob": ["init"]}}`), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(&doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, `"bob":{"role":"user","permissions":["init"],"projects":{}}`) {
		t.Errorf("expected migrated object form, got %s", s)
	}
}

func TestCommandLogKeepsOrder(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log := CommandLog{
		NewLogEntry(base.Add(2*time.Second), "zeta", "last"),
		NewLogEntry(base, "alpha", "first"),
	}
	data, err := json.Marshal(log)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Index(string(data), "zeta") > strings.Index(string(data), "alpha") {
		t.Errorf("insertion order lost: %s", data)
	}

	var back CommandLog
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back) != 2 || back[0].Output != "last" || back[1].Output != "first" {
		t.Errorf("unexpected decoded log %+v", back)
	}
	if back[1].Key != "[2026-01-02T03:04:05.000000] alpha" {
		t.Errorf("unexpected key %q", back[1].Key)
	}
}

func TestSessionAllowsWildcard(t *testing.T) {
	s := &Session{AllowedCommands: []string{Wildcard}}
	if !s.Allows("server-user-create") {
		t.Error("wildcard should allow any command")
	}
	s = &Session{AllowedCommands: []string{"init"}}
	if s.Allows("user create") {
		t.Error("unexpected allow")
	}
}
