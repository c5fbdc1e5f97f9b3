package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store is the credential store: the single source of truth for users,
// sessions, verification tokens, and social identities. It is accessed
// concurrently by many request handlers; uniqueness constraints are enforced
// by the database, never by in-process locks.
type Store struct {
	db *sql.DB
}

// NewStore creates a new credential store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that need transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NormalizeEmail lowercases and trims an email address. Emails are unique
// case-insensitively, so every read and write goes through this.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// isUniqueViolation detects a uniqueness constraint error from postgres
// (class 23505) or sqlite (used by tests).
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---- Users ----

// CreateUser inserts a new user and sets its ID. A duplicate email returns
// ErrConflict.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	if user.Role == "" {
		user.Role = RoleUser
	}
	user.Email = NormalizeEmail(user.Email)

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, email_verified, password_hash, role, premium, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, user.Email, user.EmailVerified, user.PasswordHash, user.Role, user.Premium, now, now).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email %s: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, email_verified, password_hash, role, premium, created_at, updated_at
		FROM users WHERE id = $1
	`, id))
}

// GetUserByEmail retrieves a user by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, email_verified, password_hash, role, premium, created_at, updated_at
		FROM users WHERE email = $1
	`, NormalizeEmail(email)))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	err := row.Scan(&user.ID, &user.Email, &user.EmailVerified, &user.PasswordHash,
		&user.Role, &user.Premium, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// ListUsers returns users ordered by creation time, newest first.
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, email_verified, password_hash, role, premium, created_at, updated_at
		FROM users
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user := &User{}
		if err := rows.Scan(&user.ID, &user.Email, &user.EmailVerified, &user.PasswordHash,
			&user.Role, &user.Premium, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// SetPassword replaces a user's password hash.
func (s *Store) SetPassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.updateUser(ctx, userID, `password_hash = $1`, passwordHash)
}

// SetRole changes a user's role.
func (s *Store) SetRole(ctx context.Context, userID int64, role Role) error {
	return s.updateUser(ctx, userID, `role = $1`, string(role))
}

// SetPremium toggles the premium flag.
func (s *Store) SetPremium(ctx context.Context, userID int64, premium bool) error {
	return s.updateUser(ctx, userID, `premium = $1`, premium)
}

// MarkEmailVerified records that the user's email has been verified.
func (s *Store) MarkEmailVerified(ctx context.Context, userID int64) error {
	return s.updateUser(ctx, userID, `email_verified = $1`, true)
}

func (s *Store) updateUser(ctx context.Context, userID int64, setClause string, value interface{}) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+setClause+`, updated_at = $2 WHERE id = $3`,
		value, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// ---- Sessions ----

// CreateSession persists a new session row.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	var impersonatedBy sql.NullInt64
	if session.ImpersonatedBy != nil {
		impersonatedBy = sql.NullInt64{Int64: *session.ImpersonatedBy, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at, last_refreshed_at, impersonated_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, session.ID, session.UserID, session.CreatedAt, session.ExpiresAt,
		session.LastRefreshedAt, impersonatedBy)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id regardless of expiry; expiry is the
// caller's concern so that expired and missing sessions are distinguishable.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}
	var impersonatedBy sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, expires_at, last_refreshed_at, impersonated_by
		FROM sessions WHERE id = $1
	`, id).Scan(&session.ID, &session.UserID, &session.CreatedAt, &session.ExpiresAt,
		&session.LastRefreshedAt, &impersonatedBy)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if impersonatedBy.Valid {
		id := impersonatedBy.Int64
		session.ImpersonatedBy = &id
	}
	return session, nil
}

// RefreshSession extends a session's expiry. The predicate is the primary key
// alone; no composite-key variants of this update exist.
func (s *Store) RefreshSession(ctx context.Context, id string, expiresAt, refreshedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET expires_at = $1, last_refreshed_at = $2 WHERE id = $3
	`, expiresAt, refreshedAt, id)
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session: %w", ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session. Deleting a session that does not exist is
// not an error; revocation is idempotent.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListUserSessionIDs returns the ids of every session belonging to a user.
// Revocation itself always goes through DeleteSession by primary key.
func (s *Store) ListUserSessionIDs(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	return ids, nil
}

// DeleteExpiredSessions removes sessions past their expiry. Housekeeping
// only; validation checks expiry defensively regardless.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// ---- Verification tokens ----

// CreateVerificationToken persists a freshly issued token and sets its ID.
func (s *Store) CreateVerificationToken(ctx context.Context, token *VerificationToken) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO verification_tokens (token_hash, user_id, purpose, new_email, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, token.TokenHash, token.UserID, token.Purpose, token.NewEmail, token.ExpiresAt, now).Scan(&token.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("token hash: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create verification token: %w", err)
	}
	token.CreatedAt = now
	return nil
}

// GetVerificationToken looks up a token by secret hash and purpose.
func (s *Store) GetVerificationToken(ctx context.Context, tokenHash string, purpose TokenPurpose) (*VerificationToken, error) {
	token := &VerificationToken{}
	var consumedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, user_id, purpose, new_email, expires_at, consumed_at, created_at
		FROM verification_tokens
		WHERE token_hash = $1 AND purpose = $2
	`, tokenHash, purpose).Scan(&token.ID, &token.TokenHash, &token.UserID, &token.Purpose,
		&token.NewEmail, &token.ExpiresAt, &consumedAt, &token.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("verification token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification token: %w", err)
	}

	if consumedAt.Valid {
		t := consumedAt.Time
		token.ConsumedAt = &t
	}
	return token, nil
}

// ConsumeVerificationToken marks a token consumed with a single conditional
// update. The `consumed_at IS NULL` precondition makes consumption
// linearizable per token: of any number of concurrent callers, exactly one
// sees affected == 1.
func (s *Store) ConsumeVerificationToken(ctx context.Context, tokenID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_tokens SET consumed_at = $1
		WHERE id = $2 AND consumed_at IS NULL
	`, now, tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to consume verification token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume verification token: %w", err)
	}
	return affected == 1, nil
}

// ConsumeAndVerifyEmail atomically consumes an email-verify token and marks
// the user's email verified. Either both happen or neither does.
func (s *Store) ConsumeAndVerifyEmail(ctx context.Context, tokenID, userID int64, now time.Time) (bool, error) {
	return s.consumeWithSideEffect(ctx, tokenID, now, `
		UPDATE users SET email_verified = $1, updated_at = $2 WHERE id = $3
	`, true, now, userID)
}

// ConsumeAndChangeEmail atomically consumes an email-change token and
// rewrites the user's email, marking it verified. A duplicate target email
// returns ErrConflict with the token left unconsumed.
func (s *Store) ConsumeAndChangeEmail(ctx context.Context, tokenID, userID int64, newEmail string, now time.Time) (bool, error) {
	return s.consumeWithSideEffect(ctx, tokenID, now, `
		UPDATE users SET email = $1, email_verified = $2, updated_at = $3 WHERE id = $4
	`, NormalizeEmail(newEmail), true, now, userID)
}

// ConsumeAndSetPassword atomically consumes a password-reset token and
// replaces the user's password hash.
func (s *Store) ConsumeAndSetPassword(ctx context.Context, tokenID, userID int64, passwordHash string, now time.Time) (bool, error) {
	return s.consumeWithSideEffect(ctx, tokenID, now, `
		UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3
	`, passwordHash, now, userID)
}

// consumeWithSideEffect runs the conditional consume and one side-effect
// statement in a single transaction.
func (s *Store) consumeWithSideEffect(ctx context.Context, tokenID int64, now time.Time, sideEffect string, args ...interface{}) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE verification_tokens SET consumed_at = $1
		WHERE id = $2 AND consumed_at IS NULL
	`, now, tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to consume verification token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume verification token: %w", err)
	}
	if affected == 0 {
		// Lost the race; nothing to commit.
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, sideEffect, args...); err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("email: %w", ErrConflict)
		}
		return false, fmt.Errorf("failed to apply token side effect: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// DeleteStaleTokens removes expired and consumed tokens. Housekeeping only.
func (s *Store) DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM verification_tokens WHERE expires_at < $1 OR consumed_at IS NOT NULL
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale tokens: %w", err)
	}
	return res.RowsAffected()
}

// ---- Social identities ----

// CreateSocialIdentity links a provider account to a user. A duplicate
// (provider, provider_account_id) pair returns ErrConflict.
func (s *Store) CreateSocialIdentity(ctx context.Context, identity *SocialIdentity) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO social_identities (provider, provider_account_id, user_id, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, identity.Provider, identity.ProviderAccountID, identity.UserID, now).Scan(&identity.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("identity %s/%s: %w", identity.Provider, identity.ProviderAccountID, ErrConflict)
		}
		return fmt.Errorf("failed to create social identity: %w", err)
	}
	identity.CreatedAt = now
	return nil
}

// GetSocialIdentity looks up a linked identity by provider account.
func (s *Store) GetSocialIdentity(ctx context.Context, provider, providerAccountID string) (*SocialIdentity, error) {
	identity := &SocialIdentity{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, provider_account_id, user_id, created_at
		FROM social_identities
		WHERE provider = $1 AND provider_account_id = $2
	`, provider, providerAccountID).Scan(&identity.ID, &identity.Provider,
		&identity.ProviderAccountID, &identity.UserID, &identity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("social identity: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get social identity: %w", err)
	}
	return identity, nil
}
