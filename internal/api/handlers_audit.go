package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/org/enc/internal/gate"
	"github.com/org/enc/internal/storage"
	"github.com/org/enc/pkg/models"
)

// AuditLogHandler handles GET /v1/sys/audit-log. No role grants
// "server-audit-log", so only super-admins can read it.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Username:  q.Get("user"),
		SessionID: q.Get("session"),
		Command:   q.Get("command"),
		Limit:     100,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err == nil {
			filter.Since = &t
		}
	}

	sess := sessionFromCtx(r.Context())
	res, err := s.gate.RunSession(r.Context(), sess.SessionID, "server-audit-log",
		func(ctx context.Context, _ gate.Caller) (*models.Result, error) {
			if s.auditor == nil {
				return nil, storage.ErrNotConfigured
			}
			entries, err := s.auditor.Query(ctx, filter)
			if err != nil {
				return nil, err
			}
			return &models.Result{
				Status:  models.StatusSuccess,
				Message: fmt.Sprintf("%d entries", len(entries)),
				Data:    map[string]any{"entries": entries},
			}, nil
		})
	writeOutcome(w, res, err)
}
