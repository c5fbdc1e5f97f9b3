// Package session implements the session lifecycle: issuance, validation
// with sliding expiry, revocation, a short-lived read-through cache, and the
// housekeeping sweep for expired rows.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Policy holds the session lifecycle knobs.
type Policy struct {
	TTL       time.Duration // Lifetime granted at creation and on refresh
	UpdateAge time.Duration // Minimum age of the last refresh before another is allowed
}

// Manager issues, validates, refreshes, and revokes sessions. It owns the
// expiry policy and the read-through cache; the credential store stays the
// single source of truth.
type Manager struct {
	store   *auth.Store
	cache   Cache
	policy  Policy
	logger  *logrus.Logger
	metrics *observability.Metrics

	// now is replaceable in tests so expiry behavior is deterministic
	now func() time.Time

	// group collapses concurrent validations of the same session id into one
	// store round-trip
	group singleflight.Group
}

// NewManager creates a session manager.
func NewManager(store *auth.Store, cache Cache, policy Policy, logger *logrus.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:   store,
		cache:   cache,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the manager's time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create persists a new session for the user with the configured TTL and
// returns it.
func (m *Manager) Create(ctx context.Context, userID int64) (*auth.Session, error) {
	return m.create(ctx, userID, nil, m.policy.TTL)
}

// CreateImpersonated persists a session for targetUserID acting on behalf of
// an admin. The impersonated_by field is permanent on the row; the TTL bound
// is the caller's (admin controller's) responsibility to keep tight.
func (m *Manager) CreateImpersonated(ctx context.Context, targetUserID, adminUserID int64, ttl time.Duration) (*auth.Session, error) {
	if ttl <= 0 || ttl > m.policy.TTL {
		ttl = m.policy.TTL
	}
	return m.create(ctx, targetUserID, &adminUserID, ttl)
}

func (m *Manager) create(ctx context.Context, userID int64, impersonatedBy *int64, ttl time.Duration) (*auth.Session, error) {
	now := m.now()
	session := &auth.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		LastRefreshedAt: now,
		ImpersonatedBy:  impersonatedBy,
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	m.metrics.SessionsCreated.Inc()
	m.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"user_id":    userID,
	}).Debug("session created")
	return session, nil
}

// Validate resolves a session id to its owning user. Expired and revoked
// sessions are both invalid: ErrExpired and ErrNotFound respectively. A
// successful validation refreshes the sliding expiry when the last refresh is
// at least UpdateAge old; otherwise the result may come straight from the
// cache unchanged.
func (m *Manager) Validate(ctx context.Context, sessionID string) (*auth.User, *auth.Session, error) {
	now := m.now()

	if entry, err := m.cache.Get(ctx, sessionID); err != nil {
		// The cache is an optimization; validation proceeds against the store.
		m.logger.WithError(err).Warn("session cache read failed")
	} else if entry != nil {
		if entry.Session.Expired(now) {
			_ = m.cache.Delete(ctx, sessionID)
			m.metrics.SessionValidations.WithLabelValues("expired").Inc()
			return nil, nil, fmt.Errorf("session %s: %w", sessionID, auth.ErrExpired)
		}
		m.metrics.CacheHitsTotal.Inc()
		m.metrics.SessionValidations.WithLabelValues("valid").Inc()
		user, session := entry.User, entry.Session
		return &user, &session, nil
	}
	m.metrics.CacheMissesTotal.Inc()

	v, err, _ := m.group.Do(sessionID, func() (interface{}, error) {
		return m.validateFromStore(ctx, sessionID, now)
	})
	if err != nil {
		return nil, nil, err
	}

	entry := v.(*Entry)
	user, session := entry.User, entry.Session
	return &user, &session, nil
}

func (m *Manager) validateFromStore(ctx context.Context, sessionID string, now time.Time) (*Entry, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			m.metrics.SessionValidations.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}

	if session.Expired(now) {
		m.metrics.SessionValidations.WithLabelValues("expired").Inc()
		return nil, fmt.Errorf("session %s: %w", sessionID, auth.ErrExpired)
	}

	// Sliding expiry: refresh at most once per UpdateAge. The update is keyed
	// by the session's primary key alone. Concurrent refreshers both write a
	// consistent now+TTL; last writer wins.
	if now.Sub(session.LastRefreshedAt) >= m.policy.UpdateAge {
		newExpiry := now.Add(m.policy.TTL)
		if err := m.store.RefreshSession(ctx, session.ID, newExpiry, now); err != nil {
			return nil, err
		}
		session.ExpiresAt = newExpiry
		session.LastRefreshedAt = now
		m.metrics.SessionRefreshes.Inc()
	}

	user, err := m.store.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	entry := &Entry{Session: *session, User: *user}
	if err := m.cache.Set(ctx, sessionID, entry); err != nil {
		m.logger.WithError(err).Warn("session cache write failed")
	}

	m.metrics.SessionValidations.WithLabelValues("valid").Inc()
	return entry, nil
}

// Revoke deletes a session and eagerly invalidates its cache entry. Revoking
// a session that does not exist is not an error.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if err := m.cache.Delete(ctx, sessionID); err != nil {
		m.logger.WithError(err).Warn("session cache invalidation failed")
	}
	m.metrics.SessionsRevoked.Inc()
	return nil
}

// RevokeAllForUser revokes every session owned by a user, e.g. after a
// password reset. Each session goes through Revoke so its cache entry is
// invalidated eagerly; none of them can keep validating from the cache.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	ids, err := m.store.ListUserSessionIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := m.Revoke(ctx, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// Sweep deletes sessions past their expiry. Housekeeping only: Validate
// checks expiry defensively, so a missed sweep never extends a session.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	deleted, err := m.store.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.metrics.SweptSessionsTotal.Add(float64(deleted))
		m.logger.WithField("count", deleted).Info("swept expired sessions")
	}
	return deleted, nil
}
