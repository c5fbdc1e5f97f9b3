package auth

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// OpenTestDB opens an in-memory sqlite database with the credential store
// schema. Shared by store, session, token, sso, and admin tests so they can
// exercise real SQL without a postgres instance.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// A single in-memory connection keeps all statements on the same database
	// and serializes concurrent access the way tests expect.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			email_verified INTEGER NOT NULL DEFAULT 0,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			premium INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			last_refreshed_at TIMESTAMP NOT NULL,
			impersonated_by INTEGER
		);

		CREATE TABLE verification_tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token_hash TEXT NOT NULL UNIQUE,
			user_id INTEGER NOT NULL,
			purpose TEXT NOT NULL,
			new_email TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMP NOT NULL,
			consumed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE social_identities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			provider_account_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(provider, provider_account_id)
		);

		CREATE TABLE audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			actor_user_id INTEGER,
			target_user_id INTEGER,
			session_id TEXT,
			ip_address TEXT,
			user_agent TEXT,
			message TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		t.Fatalf("Failed to create test tables: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// NewTestUser inserts a user with sensible defaults and returns it.
func NewTestUser(t *testing.T, store *Store, email string, role Role) *User {
	t.Helper()

	hash, err := HashPassword("test-password", 4)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	user := &User{
		Email:         email,
		EmailVerified: true,
		PasswordHash:  hash,
		Role:          role,
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}
