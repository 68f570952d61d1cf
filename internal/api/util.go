package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/org/enc/internal/gate"
	"github.com/org/enc/internal/policy"
	"github.com/org/enc/internal/storage"
	"github.com/org/enc/pkg/models"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, models.Result{Status: models.StatusError, Message: msg})
}

var errSessionGone = errors.New("session already destroyed")

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errSessionGone):
		return http.StatusNotFound
	case errors.Is(err, gate.ErrSessionNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, gate.ErrPermissionDenied), errors.Is(err, gate.ErrRoleDenied):
		return http.StatusForbidden
	case errors.Is(err, policy.ErrPolicyUnavailable), errors.Is(err, policy.ErrPolicyCorrupt),
		errors.Is(err, storage.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeOutcome renders the result of a gated operation.
func writeOutcome(w http.ResponseWriter, res *models.Result, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
