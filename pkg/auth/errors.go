// Package auth defines the core authentication domain: users, sessions,
// verification tokens, social identities, and the credential store that
// persists them. Error values here form the taxonomy every component in the
// system reports through; handlers translate them into HTTP status codes.
package auth

import "errors"

// ErrNotFound is returned when a user, session, token, or identity does not
// exist. Handlers should translate this into an HTTP 404 response, except on
// authentication paths where it collapses into ErrInvalidCredentials to avoid
// account enumeration.
var ErrNotFound = errors.New("not found")

// ErrExpired is returned when a session or verification token is past its
// expiry. Terminal: an expired record never becomes valid again.
var ErrExpired = errors.New("expired")

// ErrAlreadyUsed is returned when a verification token has already been
// consumed. A token is consumable at most once.
var ErrAlreadyUsed = errors.New("already used")

// ErrForbidden is returned when the caller is authenticated but not allowed
// to perform the operation, e.g. a non-admin attempting impersonation.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidAssertion is returned when an OAuth provider assertion cannot be
// verified (state mismatch, bad code exchange, unverifiable id token). No
// side effects are persisted when this is returned.
var ErrInvalidAssertion = errors.New("invalid assertion")

// ErrConflict is returned on uniqueness violations, e.g. signing up with an
// email that already has an account. Enforced by the store itself, not by
// in-process locking.
var ErrConflict = errors.New("conflict")

// ErrInvalidCredentials is the uniform failure for credential sign-in. It is
// deliberately identical whether the email is unknown, the password is wrong,
// or the account has no password at all.
var ErrInvalidCredentials = errors.New("invalid credentials")
