package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/enc/internal/gate"
	"github.com/org/enc/internal/policy"
	"github.com/org/enc/internal/project"
	"github.com/org/enc/internal/storage"
	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog/log"
)

// SessionHeader carries the session id on every authenticated request.
const SessionHeader = "X-Enc-Session"

// Config holds server configuration.
type Config struct {
	ListenAddr string
	Mode       string
}

// Sessions is what the server needs from the session manager.
type Sessions interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	LogoutSession(ctx context.Context, id string) bool
	List(ctx context.Context) ([]*models.Session, error)
}

// PolicyReader lists policy users.
type PolicyReader interface {
	Users(ctx context.Context) ([]policy.UserInfo, error)
}

// AuditQuerier reads the audit database.
type AuditQuerier interface {
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Sessions Sessions
	Policy   PolicyReader
	Gate     *gate.Gate
	Projects *project.Service
	Audit    AuditQuerier
}

// Server is the local status API.
type Server struct {
	sessions Sessions
	policy   PolicyReader
	gate     *gate.Gate
	projects *project.Service
	auditor  AuditQuerier
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(deps Deps, cfg Config) *Server {
	return &Server{
		sessions: deps.Sessions,
		policy:   deps.Policy,
		gate:     deps.Gate,
		projects: deps.Projects,
		auditor:  deps.Audit,
		cfg:      cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", s.metricsHandler())

	r.Get("/v1/sys/health", s.HealthHandler)

	// Session-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(sessionMiddleware(s.sessions))

		r.Get("/v1/session", s.SessionLookupHandler)
		r.Delete("/v1/session", s.SessionLogoutHandler)
		r.Get("/v1/users", s.UsersListHandler)
		r.Get("/v1/projects", s.ProjectListHandler)
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
