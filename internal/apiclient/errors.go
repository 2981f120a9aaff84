package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dukerupert/famtask/internal/apperr"
)

// StatusError is a rejection reported by the server.
type StatusError struct {
	Status  int
	Message string
	kind    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server: %s (%d)", e.Message, e.Status)
}

func (e *StatusError) Unwrap() error { return e.kind }

// Specific errors recognised from the server's message.
var known = []error{
	apperr.ErrAlreadyInFamily,
	apperr.ErrInvalidInviteCode,
	apperr.ErrFamilyAtCapacity,
	apperr.ErrNotParent,
	apperr.ErrNotMember,
	apperr.ErrLastParent,
	apperr.ErrPhotoRequired,
	apperr.ErrPremiumRequired,
	apperr.ErrAlreadyCompleted,
	apperr.ErrTaskLocked,
	apperr.ErrInvalidBadgeCount,
}

func kindFor(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return apperr.ErrAuthenticationRequired
	case http.StatusForbidden:
		return apperr.ErrAuthorizationDenied
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return apperr.ErrValidation
	case http.StatusNotFound:
		return apperr.ErrNotFound
	case http.StatusConflict:
		return apperr.ErrInvariantViolation
	case http.StatusTooManyRequests:
		return apperr.ErrRateLimitExceeded
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode >= 500 {
		return apperr.Transient(&StatusError{Status: resp.StatusCode, Message: body.Error})
	}
	if body.Field != "" {
		return &apperr.FieldError{Field: body.Field, Message: strings.TrimPrefix(body.Error, body.Field+": ")}
	}

	k := kindFor(resp.StatusCode)
	for _, sentinel := range known {
		if strings.HasSuffix(body.Error, sentinel.Error()) && errors.Is(sentinel, k) {
			k = sentinel
			break
		}
	}
	if k == nil {
		k = errors.New(http.StatusText(resp.StatusCode))
	}
	return &StatusError{Status: resp.StatusCode, Message: body.Error, kind: k}
}
