// Package handler serves the JSON API over the family, task, notification
// and sync services.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/identity"
)

// maxBody caps JSON request bodies.
const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch apperr.Kind(err) {
	case apperr.ErrAuthenticationRequired:
		return http.StatusUnauthorized
	case apperr.ErrAuthorizationDenied:
		return http.StatusForbidden
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrCapacityExceeded, apperr.ErrInvariantViolation, apperr.ErrConflict:
		return http.StatusConflict
	case apperr.ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperr.ErrTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError reports err with the status for its kind. Errors without a
// kind are logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	body := errorBody{Error: err.Error()}
	var fe *apperr.FieldError
	if errors.As(err, &fe) {
		body.Field = fe.Field
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON"})
		return false
	}
	return true
}

// caller returns the member id the auth middleware resolved. Services
// reject an empty id.
func caller(r *http.Request) string {
	id, _ := identity.FromContext(r.Context())
	return id
}

func parseSeqParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("seq"), 10, 64)
}
