package api

import (
	"net/http"
)

// HealthHandler handles GET /v1/sys/health. It reports 503 while the policy
// cannot be read, since every gated command would be denied.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	body := map[string]any{
		"mode":   s.cfg.Mode,
		"policy": "ok",
	}
	if _, err := s.policy.Users(r.Context()); err != nil {
		code = http.StatusServiceUnavailable
		body["policy"] = err.Error()
	}
	if sessions, err := s.sessions.List(r.Context()); err == nil {
		body["sessions"] = len(sessions)
	}
	writeJSON(w, code, body)
}
