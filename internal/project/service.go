// Package project implements the project commands on top of the vault
// manager, keeping the policy and the caller's session in step.
package project

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/org/enc/internal/gate"
	"github.com/org/enc/internal/runner"
	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrUnknownProject is returned for a project the caller does not own.
var ErrUnknownProject = errors.New("project not found for user")

// Policy is the part of the authorization engine that tracks projects.
type Policy interface {
	Projects(ctx context.Context, username string) (map[string]models.ProjectMetadata, error)
	AddUserProject(ctx context.Context, username, project string, meta models.ProjectMetadata) error
	SetProjectMount(ctx context.Context, username, project string, mountPath *string) error
	RemoveUserProject(ctx context.Context, username, project string) error
}

// Vaults manages the encrypted storage behind projects.
type Vaults interface {
	Init(ctx context.Context, name string, password []byte) (string, error)
	Mount(ctx context.Context, name string, password []byte) (string, error)
	Unmount(ctx context.Context, name string) error
	Discard(name string) error
	IsMounted(name string) bool
	Exec(ctx context.Context, name string, argv []string) (runner.Output, error)
}

// Sessions receives project changes made through a session.
type Sessions interface {
	UpdateProject(ctx context.Context, id, project string, meta *models.ProjectMetadata) error
	SetActiveProject(ctx context.Context, id string, project *string) error
}

// Service runs project commands for a gated caller.
type Service struct {
	Policy   Policy
	Vaults   Vaults
	Sessions Sessions
}

// Info is one row of a project listing.
type Info struct {
	Name      string  `json:"name"`
	VaultPath *string `json:"vault_path"`
	MountPath *string `json:"mount_path"`
	Exec      *string `json:"exec"`
	Mounted   bool    `json:"mounted"`
}

// Init creates the vault for name and records it under the caller.
func (s *Service) Init(ctx context.Context, c gate.Caller, name string, password []byte) (*models.Result, error) {
	dir, err := s.Vaults.Init(ctx, name, password)
	if err != nil {
		return nil, err
	}
	if err := s.Policy.AddUserProject(ctx, c.Username, name, models.ProjectMetadata{VaultPath: &dir}); err != nil {
		if derr := s.Vaults.Discard(name); derr != nil {
			log.Warn().Err(derr).Str("project", name).Msg("could not clean up unrecorded vault")
		}
		return nil, fmt.Errorf("recording project %s: %w", name, err)
	}
	s.syncSession(ctx, c, name)
	return &models.Result{
		Status:  models.StatusSuccess,
		Message: fmt.Sprintf("project %s initialized", name),
		Data:    map[string]any{"vault_path": dir},
	}, nil
}

// Mount decrypts a project of the caller and makes it the active project.
func (s *Service) Mount(ctx context.Context, c gate.Caller, name string, password []byte) (*models.Result, error) {
	if err := s.owned(ctx, c, name); err != nil {
		return nil, err
	}
	mnt, err := s.Vaults.Mount(ctx, name, password)
	if err != nil {
		return nil, err
	}
	if err := s.Policy.SetProjectMount(ctx, c.Username, name, &mnt); err != nil {
		return nil, fmt.Errorf("recording mount of %s: %w", name, err)
	}
	s.syncSession(ctx, c, name)
	if c.Session != nil {
		if err := s.Sessions.SetActiveProject(ctx, c.Session.SessionID, &name); err != nil {
			log.Warn().Err(err).Str("project", name).Msg("could not set active project")
		}
	}
	return &models.Result{
		Status:     models.StatusSuccess,
		Message:    fmt.Sprintf("project %s mounted", name),
		MountPoint: mnt,
	}, nil
}

// Unmount detaches a project of the caller.
func (s *Service) Unmount(ctx context.Context, c gate.Caller, name string) (*models.Result, error) {
	if err := s.owned(ctx, c, name); err != nil {
		return nil, err
	}
	if err := s.Vaults.Unmount(ctx, name); err != nil {
		return nil, err
	}
	if err := s.Policy.SetProjectMount(ctx, c.Username, name, nil); err != nil {
		return nil, fmt.Errorf("clearing mount of %s: %w", name, err)
	}
	s.syncSession(ctx, c, name)
	if c.Session != nil && c.Session.ActiveProject != nil && *c.Session.ActiveProject == name {
		if err := s.Sessions.SetActiveProject(ctx, c.Session.SessionID, nil); err != nil {
			log.Warn().Err(err).Str("project", name).Msg("could not clear active project")
		}
	}
	return models.Success(fmt.Sprintf("project %s unmounted", name)), nil
}

// List returns the caller's projects with their live mount state.
func (s *Service) List(ctx context.Context, c gate.Caller) (*models.Result, error) {
	infos, err := s.Infos(ctx, c.Username)
	if err != nil {
		return nil, err
	}
	return &models.Result{
		Status:  models.StatusSuccess,
		Message: fmt.Sprintf("%d project(s)", len(infos)),
		Data:    map[string]any{"projects": infos},
	}, nil
}

// Infos lists the projects of username sorted by name.
func (s *Service) Infos(ctx context.Context, username string) ([]Info, error) {
	projects, err := s.Policy.Projects(ctx, username)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(projects))
	for name, meta := range projects {
		infos = append(infos, Info{
			Name:      name,
			VaultPath: meta.VaultPath,
			MountPath: meta.MountPath,
			Exec:      meta.Exec,
			Mounted:   s.Vaults.IsMounted(name),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Run executes argv inside a mounted project and records it as the
// project's last command.
func (s *Service) Run(ctx context.Context, c gate.Caller, name string, argv []string) (*models.Result, error) {
	if err := s.owned(ctx, c, name); err != nil {
		return nil, err
	}
	out, err := s.Vaults.Exec(ctx, name, argv)
	if err != nil {
		return nil, err
	}
	cmdline := strings.Join(argv, " ")
	if err := s.Policy.AddUserProject(ctx, c.Username, name, models.ProjectMetadata{Exec: &cmdline}); err != nil {
		log.Warn().Err(err).Str("project", name).Msg("could not record exec")
	} else {
		s.syncSession(ctx, c, name)
	}
	return &models.Result{
		Status:  models.StatusSuccess,
		Message: strings.TrimRight(string(out.Stdout), "\n"),
		Data: map[string]any{
			"stderr":    string(out.Stderr),
			"exit_code": out.ExitCode,
		},
	}, nil
}

// Remove unmounts a project if needed and drops it from the caller's
// policy entry. The cipher directory is kept.
func (s *Service) Remove(ctx context.Context, c gate.Caller, name string) (*models.Result, error) {
	if err := s.owned(ctx, c, name); err != nil {
		return nil, err
	}
	if err := s.Vaults.Unmount(ctx, name); err != nil {
		return nil, err
	}
	if err := s.Policy.RemoveUserProject(ctx, c.Username, name); err != nil {
		return nil, fmt.Errorf("removing project %s: %w", name, err)
	}
	if c.Session != nil {
		if err := s.Sessions.UpdateProject(ctx, c.Session.SessionID, name, nil); err != nil {
			log.Warn().Err(err).Str("project", name).Msg("could not update session projects")
		}
	}
	return models.Success(fmt.Sprintf("project %s removed", name)), nil
}

func (s *Service) owned(ctx context.Context, c gate.Caller, name string) error {
	projects, err := s.Policy.Projects(ctx, c.Username)
	if err != nil {
		return err
	}
	if _, ok := projects[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	return nil
}

// syncSession copies the policy's current metadata of name into the
// caller's session snapshot.
func (s *Service) syncSession(ctx context.Context, c gate.Caller, name string) {
	if c.Session == nil || s.Sessions == nil {
		return
	}
	projects, err := s.Policy.Projects(ctx, c.Username)
	if err != nil {
		log.Warn().Err(err).Msg("could not reload projects for session")
		return
	}
	var meta *models.ProjectMetadata
	if m, ok := projects[name]; ok {
		meta = &m
	}
	if err := s.Sessions.UpdateProject(ctx, c.Session.SessionID, name, meta); err != nil {
		log.Warn().Err(err).Str("project", name).Msg("could not update session projects")
	}
}
