// Package audit fans gated-command records out to the configured sinks.
package audit

import (
	"context"
	"time"

	"github.com/org/enc/internal/storage"
	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink receives audit entries.
type Sink interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

// Logger writes structured audit entries to every sink. Passwords and
// command output must never be passed here, only metadata.
type Logger struct {
	sinks []Sink
	query storage.AuditBackend
}

// NewLogger creates an audit Logger. Any sink that is also an
// storage.AuditBackend serves Query.
func NewLogger(sinks ...Sink) *Logger {
	l := &Logger{}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		l.sinks = append(l.sinks, s)
		if b, ok := s.(storage.AuditBackend); ok && l.query == nil {
			l.query = b
		}
	}
	return l
}

// Record stamps and forwards entry. Sink failures are logged and otherwise
// ignored so that auditing never fails the command it records.
func (l *Logger) Record(ctx context.Context, entry *models.AuditEntry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	for _, s := range l.sinks {
		if err := s.WriteAuditEntry(ctx, entry); err != nil {
			log.Warn().Err(err).Str("command", entry.Command).Msg("audit sink failed")
		}
	}
}

// Query retrieves paginated audit log entries from the database sink.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	if l == nil || l.query == nil {
		return nil, storage.ErrNotConfigured
	}
	return l.query.QueryAuditLog(ctx, filter)
}

// LogSink writes each entry as one structured log event.
type LogSink struct {
	Logger zerolog.Logger
}

// WriteAuditEntry implements Sink.
func (s LogSink) WriteAuditEntry(_ context.Context, e *models.AuditEntry) error {
	ev := s.Logger.Info()
	if e.Status != models.StatusSuccess {
		ev = s.Logger.Warn()
	}
	ev.Str("audit", "command").
		Time("at", e.Timestamp).
		Str("user", e.Username).
		Str("command", e.Command).
		Str("status", e.Status).
		Int64("duration_ms", e.DurationMs)
	if e.SessionID != "" {
		ev.Str("session", e.SessionID)
	}
	if len(e.Metadata) > 0 {
		ev.Fields(e.Metadata)
	}
	ev.Msg(e.Message)
	return nil
}
