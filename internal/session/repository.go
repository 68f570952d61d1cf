// Package session keeps per-session records outside the process so that a
// session minted by one invocation can be verified by the next.
package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/org/enc/pkg/models"
)

var (
	// ErrNotFound means no record exists for the id. Ids that could never
	// have been issued resolve to ErrNotFound as well.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("session already exists")
)

// Repository persists session records keyed by session id.
type Repository interface {
	// Create stores a new record and never overwrites an existing one.
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	// Update runs fn on the current record and stores the result. Concurrent
	// updates of one session are serialized.
	Update(ctx context.Context, id string, fn func(s *models.Session) error) error
	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]*models.Session, error)
}

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id has the shape of an issued session id. Only
// valid ids are ever turned into file names or keys.
func ValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
