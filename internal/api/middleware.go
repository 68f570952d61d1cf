package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/org/enc/internal/gate"
	"github.com/rs/zerolog/log"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionMiddleware resolves the X-Enc-Session header and attaches the
// session to the context. Unknown sessions get the same verification
// failure the CLI reports.
func sessionMiddleware(sessions Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(SessionHeader)
			if id == "" {
				writeError(w, http.StatusUnauthorized, "missing "+SessionHeader+" header")
				return
			}
			sess, err := sessions.GetSession(r.Context(), id)
			if err != nil {
				log.Debug().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Msg("session lookup failed")
				d := &gate.Denial{Kind: gate.KindSessionNotFound, Session: id, Err: err}
				writeError(w, http.StatusUnauthorized, d.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}
