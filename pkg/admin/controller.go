package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/session"
)

// Controller implements the privileged admin operations: impersonation,
// user listing, and role management. Every operation resolves the caller's
// session itself and refuses non-admins with auth.ErrForbidden before any
// state changes.
type Controller struct {
	store       *auth.Store
	sessions    *session.Manager
	auditLog    audit.Logger
	auditSearch audit.Searcher // Non-nil when the audit logger supports listing
	ttl         time.Duration
	logger      *logrus.Logger
	metrics     *observability.Metrics
}

// NewController creates an admin controller. ttl bounds impersonated
// sessions; it is clamped to the session manager's own TTL.
func NewController(store *auth.Store, sessions *session.Manager, auditLog audit.Logger, ttl time.Duration, logger *logrus.Logger, metrics *observability.Metrics) *Controller {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	c := &Controller{
		store:    store,
		sessions: sessions,
		auditLog: auditLog,
		ttl:      ttl,
		logger:   logger,
		metrics:  metrics,
	}
	if searcher, ok := auditLog.(audit.Searcher); ok {
		c.auditSearch = searcher
	}
	return c
}

// requireAdmin resolves the calling session and checks the admin role. An
// impersonated session cannot perform admin operations even when the
// impersonated user is an admin.
func (c *Controller) requireAdmin(ctx context.Context, sessionID string) (*auth.User, *auth.Session, error) {
	user, sess, err := c.sessions.Validate(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if user.Role != auth.RoleAdmin || sess.ImpersonatedBy != nil {
		c.record(ctx, audit.NewEvent(audit.EventTypeImpersonateStart, audit.EventStatusDenied).
			WithActor(user.ID).WithSession(sess.ID).WithMessage("admin operation denied"))
		return nil, nil, fmt.Errorf("admin role required: %w", auth.ErrForbidden)
	}
	return user, sess, nil
}

// Impersonate mints a time-boxed session for targetUserID on behalf of the
// admin owning adminSessionID. The new session carries a permanent
// impersonated_by marker pointing back at the admin.
func (c *Controller) Impersonate(ctx context.Context, adminSessionID string, targetUserID int64) (*auth.Session, error) {
	admin, adminSess, err := c.requireAdmin(ctx, adminSessionID)
	if err != nil {
		return nil, err
	}

	target, err := c.store.GetUser(ctx, targetUserID)
	if err != nil {
		return nil, err
	}

	sess, err := c.sessions.CreateImpersonated(ctx, target.ID, admin.ID, c.ttl)
	if err != nil {
		return nil, err
	}

	c.metrics.ImpersonationsTotal.Inc()
	c.record(ctx, audit.NewEvent(audit.EventTypeImpersonateStart, audit.EventStatusSuccess).
		WithActor(admin.ID).WithTarget(target.ID).WithSession(adminSess.ID).
		WithMessage(fmt.Sprintf("impersonation session %s created", sess.ID)))
	c.logger.WithFields(logrus.Fields{
		"admin_id":  admin.ID,
		"target_id": target.ID,
	}).Info("impersonation started")
	return sess, nil
}

// StopImpersonation revokes an impersonated session. The caller's original
// admin session is untouched; clients switch back to it themselves.
func (c *Controller) StopImpersonation(ctx context.Context, sessionID string) error {
	user, sess, err := c.sessions.Validate(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ImpersonatedBy == nil {
		return fmt.Errorf("session is not impersonated: %w", auth.ErrForbidden)
	}

	if err := c.sessions.Revoke(ctx, sess.ID); err != nil {
		return err
	}

	c.record(ctx, audit.NewEvent(audit.EventTypeImpersonateStop, audit.EventStatusSuccess).
		WithActor(*sess.ImpersonatedBy).WithTarget(user.ID).WithSession(sess.ID))
	return nil
}

// ListUsers returns a page of users for the admin UI.
func (c *Controller) ListUsers(ctx context.Context, adminSessionID string, limit, offset int) ([]*auth.User, error) {
	if _, _, err := c.requireAdmin(ctx, adminSessionID); err != nil {
		return nil, err
	}
	return c.store.ListUsers(ctx, limit, offset)
}

// SearchAuditLogs lists audit events matching the filter. Admin only.
func (c *Controller) SearchAuditLogs(ctx context.Context, adminSessionID string, filter audit.SearchFilter) ([]*audit.Event, error) {
	if _, _, err := c.requireAdmin(ctx, adminSessionID); err != nil {
		return nil, err
	}
	if c.auditSearch == nil {
		return nil, fmt.Errorf("audit listing not supported by this audit logger: %w", auth.ErrNotFound)
	}
	return c.auditSearch.Search(ctx, filter)
}

// ChangeRole sets a user's role. Admins cannot change their own role, so an
// instance can never demote its last admin by accident.
func (c *Controller) ChangeRole(ctx context.Context, adminSessionID string, targetUserID int64, role auth.Role) error {
	admin, adminSess, err := c.requireAdmin(ctx, adminSessionID)
	if err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	if targetUserID == admin.ID {
		return fmt.Errorf("cannot change own role: %w", auth.ErrForbidden)
	}

	if err := c.store.SetRole(ctx, targetUserID, role); err != nil {
		return err
	}

	c.record(ctx, audit.NewEvent(audit.EventTypeRoleChange, audit.EventStatusSuccess).
		WithActor(admin.ID).WithTarget(targetUserID).WithSession(adminSess.ID).
		WithMessage(fmt.Sprintf("role set to %s", role)))
	return nil
}

// SetPremium flips a user's premium flag.
func (c *Controller) SetPremium(ctx context.Context, adminSessionID string, targetUserID int64, premium bool) error {
	if _, _, err := c.requireAdmin(ctx, adminSessionID); err != nil {
		return err
	}
	return c.store.SetPremium(ctx, targetUserID, premium)
}

// record writes an audit event; failures are logged, never propagated.
func (c *Controller) record(ctx context.Context, event *audit.Event) {
	if err := c.auditLog.Log(ctx, event); err != nil {
		c.logger.WithError(err).Warn("failed to write audit event")
	}
}
