package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/org/enc/internal/gate"
	"github.com/org/enc/pkg/models"
)

// UsersListHandler handles GET /v1/users.
func (s *Server) UsersListHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	res, err := s.gate.RunSession(r.Context(), sess.SessionID, "server-user-list",
		func(ctx context.Context, _ gate.Caller) (*models.Result, error) {
			users, err := s.policy.Users(ctx)
			if err != nil {
				return nil, err
			}
			return &models.Result{
				Status:  models.StatusSuccess,
				Message: fmt.Sprintf("%d user(s)", len(users)),
				Data:    map[string]any{"users": users},
			}, nil
		})
	writeOutcome(w, res, err)
}

// ProjectListHandler handles GET /v1/projects.
func (s *Server) ProjectListHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	res, err := s.gate.RunSession(r.Context(), sess.SessionID, "server-project-list",
		func(ctx context.Context, c gate.Caller) (*models.Result, error) {
			return s.projects.List(ctx, c)
		})
	writeOutcome(w, res, err)
}
