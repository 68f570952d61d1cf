package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog/log"
)

// Authorizer supplies the point-in-time rights snapshotted into a session.
type Authorizer interface {
	Snapshot(ctx context.Context, username string) ([]string, map[string]models.ProjectMetadata, error)
}

// Manager implements the session lifecycle over a Repository.
type Manager struct {
	repo Repository
	auth Authorizer
	key  []byte
	now  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSigningKey makes the manager sign every record it writes and reject
// records whose signature does not verify.
func WithSigningKey(key []byte) Option {
	return func(m *Manager) {
		m.key = key
	}
}

// NewManager creates a Manager.
func NewManager(repo Repository, auth Authorizer, opts ...Option) *Manager {
	m := &Manager{repo: repo, auth: auth, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Signed reports whether records are signed and verified.
func (m *Manager) Signed() bool {
	return len(m.key) > 0
}

func (m *Manager) verify(s *models.Session) error {
	if !m.Signed() {
		return nil
	}
	if err := Verify(m.key, s); err != nil {
		log.Warn().Str("session", s.SessionID).Str("user", s.Username).Msg("rejecting session with bad signature")
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return nil
}

func (m *Manager) get(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.verify(s); err != nil {
		return nil, err
	}
	return s, nil
}

// update verifies the stored record before fn runs and re-signs it after.
func (m *Manager) update(ctx context.Context, id string, fn func(s *models.Session) error) error {
	return m.update(ctx, id, func(s *models.Session) error {
		if err := m.verify(s); err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		if m.Signed() {
			return Sign(m.key, s)
		}
		return nil
	})
}

// CreateSession mints a session for username with the user's current
// permissions and projects. A user with no permissions still gets a session.
func (m *Manager) CreateSession(ctx context.Context, username string) (*models.Session, error) {
	perms, projects, err := m.auth.Snapshot(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", username, err)
	}
	now := m.now().UTC()
	s := &models.Session{
		SessionID:       NewID(),
		Username:        username,
		CreatedAt:       now,
		AllowedCommands: perms,
		Projects:        projects,
		Logs: models.CommandLog{
			models.NewLogEntry(now, "session start", "session started for "+username),
		},
	}
	if m.Signed() {
		if err := Sign(m.key, s); err != nil {
			return nil, err
		}
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, err
	}
	log.Info().Str("session", s.SessionID).Str("user", username).Msg("session created")
	return s, nil
}

// GetSession returns the record or an error matching ErrNotFound. A record
// that fails signature verification is reported as not found.
func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return m.get(ctx, id)
}

// CheckSessionID reports whether id resolves to a readable session. Any
// error counts as invalid.
func (m *Manager) CheckSessionID(ctx context.Context, id string) bool {
	_, err := m.get(ctx, id)
	return err == nil
}

// LogCommand appends a timestamped entry. It returns false instead of an
// error so that logging never fails the command being logged.
func (m *Manager) LogCommand(ctx context.Context, id, command, output string) bool {
	entry := models.NewLogEntry(m.now().UTC(), command, output)
	err := m.update(ctx, id, func(s *models.Session) error {
		s.Logs = append(s.Logs, entry)
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("session", id).Msg("could not append to session log")
		}
		return false
	}
	return true
}

// LogoutSession destroys the session. It reports whether a record existed;
// logging out twice is not an error.
func (m *Manager) LogoutSession(ctx context.Context, id string) bool {
	existed, err := m.repo.Delete(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("session", id).Msg("could not remove session")
		return false
	}
	if existed {
		log.Info().Str("session", id).Msg("session destroyed")
	}
	return existed
}

// SetActiveProject records the project the session currently works in; nil
// clears it.
func (m *Manager) SetActiveProject(ctx context.Context, id string, project *string) error {
	return m.update(ctx, id, func(s *models.Session) error {
		s.ActiveProject = project
		return nil
	})
}

// UpdateProject keeps the session's project snapshot in step with a change
// the session itself made. A nil meta removes the project.
func (m *Manager) UpdateProject(ctx context.Context, id, project string, meta *models.ProjectMetadata) error {
	return m.update(ctx, id, func(s *models.Session) error {
		if meta == nil {
			delete(s.Projects, project)
			if s.ActiveProject != nil && *s.ActiveProject == project {
				s.ActiveProject = nil
			}
			return nil
		}
		if s.Projects == nil {
			s.Projects = map[string]models.ProjectMetadata{}
		}
		s.Projects[project] = *meta
		return nil
	})
}

// List returns every stored session that verifies, oldest first.
func (m *Manager) List(ctx context.Context) ([]*models.Session, error) {
	sessions, err := m.repo.List(ctx)
	if err != nil || !m.Signed() {
		return sessions, err
	}
	out := sessions[:0]
	for _, s := range sessions {
		if m.verify(s) == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// Sweep destroys sessions created more than olderThan ago and returns how
// many were removed. Sessions never expire unless a sweep is run.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.New("sweep age must be positive")
	}
	sessions, err := m.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, s := range sessions {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if m.LogoutSession(ctx, s.SessionID) {
			removed++
		}
	}
	log.Info().Int("removed", removed).Dur("older_than", olderThan).Msg("session sweep finished")
	return removed, nil
}
