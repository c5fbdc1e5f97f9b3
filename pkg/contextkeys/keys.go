// Package contextkeys holds the typed context keys shared between middleware
// and handlers, kept in their own package to avoid import cycles.
package contextkeys

import (
	"context"

	"github.com/platinummonkey/gatehouse/pkg/auth"
)

// Key is the type used for all context keys in this package
type Key string

const (
	// SessionKey carries the validated session for the request
	SessionKey Key = "gatehouse.session"
	// UserKey carries the authenticated user for the request
	UserKey Key = "gatehouse.user"
)

// WithSession attaches a validated session and its user to the context.
func WithSession(ctx context.Context, session *auth.Session, user *auth.User) context.Context {
	ctx = context.WithValue(ctx, SessionKey, session)
	return context.WithValue(ctx, UserKey, user)
}

// Session retrieves the validated session from the context, or nil.
func Session(ctx context.Context) *auth.Session {
	s, _ := ctx.Value(SessionKey).(*auth.Session)
	return s
}

// User retrieves the authenticated user from the context, or nil.
func User(ctx context.Context) *auth.User {
	u, _ := ctx.Value(UserKey).(*auth.User)
	return u
}
