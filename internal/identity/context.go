// Package identity resolves the authenticated member behind a request.
package identity

import (
	"context"

	"github.com/dukerupert/famtask/internal/apperr"
)

type contextKey struct{}

// Gateway yields the caller's member id. An unauthenticated caller gets
// apperr.ErrAuthenticationRequired.
type Gateway interface {
	CallerID(ctx context.Context) (string, error)
}

func WithCaller(ctx context.Context, memberID string) context.Context {
	return context.WithValue(ctx, contextKey{}, memberID)
}

func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// ContextGateway reads the caller placed on the context by the auth
// middleware.
type ContextGateway struct{}

func (ContextGateway) CallerID(ctx context.Context) (string, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", apperr.ErrAuthenticationRequired
	}
	return id, nil
}

// Require returns the caller id or ErrAuthenticationRequired when it is
// empty. Services call it on every explicit caller parameter.
func Require(callerID string) error {
	if callerID == "" {
		return apperr.ErrAuthenticationRequired
	}
	return nil
}
