package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enc_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enc_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enc_sessions_active",
		Help: "Number of stored sessions.",
	})

	policyUsers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enc_policy_users",
		Help: "Number of policy users by role.",
	}, []string{"role"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, sessionsActive, policyUsers)
}

// metricsHandler refreshes the state gauges before each scrape.
func (s *Server) metricsHandler() http.Handler {
	h := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.refreshGauges(r.Context())
		h.ServeHTTP(w, r)
	})
}

func (s *Server) refreshGauges(ctx context.Context) {
	if sessions, err := s.sessions.List(ctx); err == nil {
		sessionsActive.Set(float64(len(sessions)))
	} else {
		log.Warn().Err(err).Msg("metrics: listing sessions")
	}
	users, err := s.policy.Users(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("metrics: reading policy")
		return
	}
	policyUsers.Reset()
	for _, u := range users {
		policyUsers.WithLabelValues(string(u.Role)).Inc()
	}
}

// metricsMiddleware records request metrics, labelled by route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, path, status).Inc()
		requestDuration.WithLabelValues(r.Method, path).Observe(dur)
	})
}
