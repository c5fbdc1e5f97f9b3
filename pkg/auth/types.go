package auth

import "time"

// Role represents a user's system-level role
type Role string

const (
	RoleUser  Role = "user"  // Regular account
	RoleAdmin Role = "admin" // Can manage users and impersonate
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents an account holder
type User struct {
	ID            int64     `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	PasswordHash  string    `json:"-"` // Empty for social-only accounts
	Role          Role      `json:"role"`
	Premium       bool      `json:"premium"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Session represents a server-side authenticated session, referenced by an
// opaque id handed to the client.
type Session struct {
	ID              string    `json:"id"`
	UserID          int64     `json:"user_id"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	ImpersonatedBy  *int64    `json:"impersonated_by,omitempty"` // Admin user id when impersonating
}

// Expired reports whether the session is past its expiry at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// TokenPurpose represents what a verification token authorizes
type TokenPurpose string

const (
	PurposeEmailVerify   TokenPurpose = "email-verify"
	PurposePasswordReset TokenPurpose = "password-reset"
	PurposeEmailChange   TokenPurpose = "email-change"
)

// Valid reports whether the purpose is one of the known values.
func (p TokenPurpose) Valid() bool {
	switch p {
	case PurposeEmailVerify, PurposePasswordReset, PurposeEmailChange:
		return true
	}
	return false
}

// VerificationToken represents a single-use, time-limited secret. Only the
// SHA-256 hash of the secret is stored; the plaintext is handed out exactly
// once at issuance.
type VerificationToken struct {
	ID         int64        `json:"id"`
	TokenHash  string       `json:"-"`
	UserID     int64        `json:"user_id"`
	Purpose    TokenPurpose `json:"purpose"`
	NewEmail   string       `json:"new_email,omitempty"` // Set for email-change tokens
	ExpiresAt  time.Time    `json:"expires_at"`
	ConsumedAt *time.Time   `json:"consumed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Expired reports whether the token is past its TTL at the given instant.
// Expiry is computed at read time and never stored.
func (t *VerificationToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Consumed reports whether the token has already been used.
func (t *VerificationToken) Consumed() bool {
	return t.ConsumedAt != nil
}

// SocialIdentity links an external OAuth provider account to a local user.
// (provider, provider_account_id) is unique and points at exactly one user.
type SocialIdentity struct {
	ID                int64     `json:"id"`
	Provider          string    `json:"provider"`
	ProviderAccountID string    `json:"provider_account_id"`
	UserID            int64     `json:"user_id"`
	CreatedAt         time.Time `json:"created_at"`
}
