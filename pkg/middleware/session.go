// Package middleware provides the HTTP session authentication layer: cookie
// extraction, session validation, and role gating for admin routes.
package middleware

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/session"
)

// SessionMiddleware authenticates requests from the session cookie.
type SessionMiddleware struct {
	sessions   *session.Manager
	cookieName string
	optional   bool // If true, allow requests without a session
}

// NewSessionMiddleware creates session-cookie authentication middleware.
func NewSessionMiddleware(sessions *session.Manager, cookieName string, optional bool) *SessionMiddleware {
	return &SessionMiddleware{
		sessions:   sessions,
		cookieName: cookieName,
		optional:   optional,
	}
}

// Handler wraps an HTTP handler with session authentication. Expired and
// unknown sessions are both a plain 401; the distinction stays server-side.
func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(m.cookieName)
		if err != nil || cookie.Value == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		user, sess, err := m.sessions.Validate(r.Context(), cookie.Value)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) || errors.Is(err, auth.ErrExpired) {
				if m.optional {
					next.ServeHTTP(w, r)
					return
				}
				httputil.WriteUnauthorized(w, "invalid or expired session")
				return
			}
			httputil.WriteInternalError(w, err)
			return
		}

		ctx := contextkeys.WithSession(r.Context(), sess, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates a route on the admin role. Must run inside a
// SessionMiddleware.Handler chain.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := contextkeys.User(r.Context())
		if user == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if user.Role != auth.RoleAdmin {
			httputil.WriteForbidden(w, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
