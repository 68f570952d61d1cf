package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/enc/pkg/models"
)

// ErrNotConfigured is returned when an audit database was requested but no
// connection string is set.
var ErrNotConfigured = errors.New("audit database not configured")

// AuditBackend persists gated-command audit entries.
type AuditBackend interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Username  string
	SessionID string
	Command   string
	Since     *time.Time
	Limit     int
	Offset    int
}
