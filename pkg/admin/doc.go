// Package admin implements privileged operations: time-boxed impersonation
// of another user's identity, user listing, and role management. Every
// operation authenticates the caller through the session manager and refuses
// non-admin callers with auth.ErrForbidden before touching any state.
package admin
