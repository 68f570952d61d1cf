package api

import (
	"context"
	"net/http"

	"github.com/org/enc/internal/gate"
	"github.com/org/enc/pkg/models"
)

// SessionLookupHandler handles GET /v1/session.
func (s *Server) SessionLookupHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	res, err := s.gate.RunSession(r.Context(), sess.SessionID, "status",
		func(_ context.Context, c gate.Caller) (*models.Result, error) {
			cur := c.Session
			if cur == nil {
				cur = sess
			}
			return &models.Result{
				Status:    models.StatusSuccess,
				Message:   "session " + cur.SessionID,
				SessionID: cur.SessionID,
				Data: map[string]any{
					"username":         cur.Username,
					"created_at":       cur.CreatedAt,
					"allowed_commands": cur.AllowedCommands,
					"projects":         cur.Projects,
					"active_project":   cur.ActiveProject,
					"log_entries":      len(cur.Logs),
				},
			}, nil
		})
	writeOutcome(w, res, err)
}

// SessionLogoutHandler handles DELETE /v1/session.
func (s *Server) SessionLogoutHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	res, err := s.gate.RunSession(r.Context(), sess.SessionID, "server-logout",
		func(ctx context.Context, _ gate.Caller) (*models.Result, error) {
			if !s.sessions.LogoutSession(ctx, sess.SessionID) {
				return nil, errSessionGone
			}
			return models.Success("logged out"), nil
		})
	writeOutcome(w, res, err)
}
