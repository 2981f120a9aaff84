// Package apperr defines the error kinds shared by the family, task,
// notification and sync services.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by a service wraps exactly one of these.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAuthorizationDenied    = errors.New("not authorized")
	ErrValidation             = errors.New("validation failed")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrInvariantViolation     = errors.New("invariant violation")
	ErrNotFound               = errors.New("not found")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrConflict               = errors.New("conflict")
	ErrTransient              = errors.New("temporarily unavailable")
)

// Specific errors. Each matches its own sentinel and its kind under errors.Is.
var (
	ErrAlreadyInFamily   = kind("already in a family", ErrInvariantViolation)
	ErrInvalidInviteCode = kind("invalid invite code", ErrValidation)
	ErrFamilyAtCapacity  = kind("family is at capacity", ErrCapacityExceeded)
	ErrNotParent         = kind("parent role required", ErrAuthorizationDenied)
	ErrNotMember         = kind("not a family member", ErrAuthorizationDenied)
	ErrLastParent        = kind("family must keep at least one parent", ErrInvariantViolation)
	ErrPhotoRequired     = kind("photo required", ErrValidation)
	ErrPremiumRequired   = kind("premium family required", ErrValidation)
	ErrAlreadyCompleted  = kind("task already completed", ErrInvariantViolation)
	ErrTaskLocked        = kind("task can no longer be changed", ErrInvariantViolation)
	ErrInvalidBadgeCount = kind("badge count out of range", ErrValidation)
)

type kindError struct {
	msg    string
	parent error
}

func kind(msg string, parent error) error {
	return &kindError{msg: msg, parent: parent}
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

// Error attaches the attempted operation and the target entity to a cause.
// Only ids the caller supplied are recorded.
type Error struct {
	Op     string
	Entity string
	ID     string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Entity != "" {
		b.WriteString(" ")
		b.WriteString(e.Entity)
		if e.ID != "" {
			b.WriteString(" ")
			b.WriteString(e.ID)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with operation context. A nil err yields nil.
func E(op, entity, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Entity: entity, ID: id, Err: err}
}

// FieldError reports a single invalid input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error { return ErrValidation }

// Invalid builds a FieldError.
func Invalid(field, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Transient marks err as retryable while keeping it inspectable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Kind returns the sentinel kind err belongs to, or nil if it has none.
func Kind(err error) error {
	for _, k := range []error{
		ErrAuthenticationRequired,
		ErrAuthorizationDenied,
		ErrValidation,
		ErrCapacityExceeded,
		ErrInvariantViolation,
		ErrNotFound,
		ErrRateLimitExceeded,
		ErrConflict,
		ErrTransient,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
