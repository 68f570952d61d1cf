package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/org/enc/internal/fsutil"
	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	recordMode = 0600
	dirMode    = 0700
)

// FileRepository stores one JSON document per session in a directory.
type FileRepository struct {
	dir string
}

// NewFileRepository returns a repository rooted at dir. The directory is
// created on first write.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

func (r *FileRepository) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *FileRepository) lockPath(id string) string {
	return filepath.Join(r.dir, id+".lock")
}

// Create implements Repository. The record is written to a temporary file
// and hard-linked into place, which fails if the name is already taken.
func (r *FileRepository) Create(_ context.Context, s *models.Session) error {
	if !ValidID(s.SessionID) {
		return fmt.Errorf("invalid session id %q", s.SessionID)
	}
	if err := os.MkdirAll(r.dir, dirMode); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, ".new-*")
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := tmp.Chmod(recordMode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Link(tmp.Name(), r.path(s.SessionID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, s.SessionID)
		}
		return fmt.Errorf("publishing session file: %w", err)
	}
	return nil
}

// Get implements Repository.
func (r *FileRepository) Get(_ context.Context, id string) (*models.Session, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.read(id)
}

func (r *FileRepository) read(id string) (*models.Session, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &s, nil
}

// Update implements Repository under the session's sidecar lock.
func (r *FileRepository) Update(ctx context.Context, id string, fn func(s *models.Session) error) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// Do not create a lock file for a session that does not exist.
	if _, err := os.Stat(r.path(id)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	lock, err := fsutil.Acquire(ctx, r.lockPath(id))
	if err != nil {
		return err
	}
	defer lock.Release()

	s, err := r.read(id)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return fsutil.WriteFileAtomic(r.path(id), data, recordMode)
}

// Delete implements Repository.
func (r *FileRepository) Delete(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	if _, err := os.Stat(r.path(id)); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	lock, err := fsutil.Acquire(ctx, r.lockPath(id))
	if err != nil {
		return false, err
	}
	defer func() {
		lock.Release()
		os.Remove(r.lockPath(id))
	}()

	err = os.Remove(r.path(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("removing session %s: %w", id, err)
	}
}

// List implements Repository. Unreadable records are skipped.
func (r *FileRepository) List(_ context.Context) ([]*models.Session, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var out []*models.Session
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() || !ValidID(id) {
			continue
		}
		s, err := r.read(id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.Warn().Err(err).Str("session", id).Msg("skipping unreadable session")
			}
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
