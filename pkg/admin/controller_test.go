package admin

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/session"
)

const testImpersonationTTL = 24 * time.Hour

type testEnv struct {
	controller *Controller
	store      *auth.Store
	sessions   *session.Manager
	auditLog   *audit.DBLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := auth.OpenTestDB(t)
	store := auth.NewStore(db)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	metrics := observability.NewMetrics(nil)

	sessions := session.NewManager(store, session.NewMemoryCache(100, 5*time.Minute),
		session.Policy{TTL: 7 * 24 * time.Hour, UpdateAge: 7 * 24 * time.Hour}, logger, metrics)

	auditLog, err := audit.NewDBLogger(db)
	require.NoError(t, err)

	return &testEnv{
		controller: NewController(store, sessions, auditLog, testImpersonationTTL, logger, metrics),
		store:      store,
		sessions:   sessions,
		auditLog:   auditLog,
	}
}

func (e *testEnv) signIn(t *testing.T, user *auth.User) *auth.Session {
	t.Helper()
	sess, err := e.sessions.Create(context.Background(), user.ID)
	require.NoError(t, err)
	return sess
}

func (e *testEnv) countSessions(t *testing.T, userID int64) int {
	t.Helper()
	var n int
	err := e.store.DB().QueryRow(`SELECT COUNT(*) FROM sessions WHERE user_id = $1`, userID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestController_Impersonate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := auth.NewTestUser(t, env.store, "admin@example.com", auth.RoleAdmin)
	target := auth.NewTestUser(t, env.store, "target@example.com", auth.RoleUser)
	adminSess := env.signIn(t, admin)

	sess, err := env.controller.Impersonate(ctx, adminSess.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, sess.UserID)
	require.NotNil(t, sess.ImpersonatedBy)
	assert.Equal(t, admin.ID, *sess.ImpersonatedBy)
	assert.WithinDuration(t, sess.CreatedAt.Add(testImpersonationTTL), sess.ExpiresAt, time.Second)

	// The impersonated session validates as the target user
	user, got, err := env.sessions.Validate(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, user.ID)
	require.NotNil(t, got.ImpersonatedBy, "audit field survives validation")

	// And the start was audited
	events, err := env.auditLog.Search(ctx, audit.SearchFilter{EventType: audit.EventTypeImpersonateStart})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, admin.ID, *events[0].ActorUserID)
	assert.Equal(t, target.ID, *events[0].TargetUserID)
}

func TestController_Impersonate_NonAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := auth.NewTestUser(t, env.store, "user@example.com", auth.RoleUser)
	target := auth.NewTestUser(t, env.store, "target@example.com", auth.RoleUser)
	userSess := env.signIn(t, user)

	_, err := env.controller.Impersonate(ctx, userSess.ID, target.ID)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	// No session row was created for the target
	assert.Zero(t, env.countSessions(t, target.ID))
}

func TestController_Impersonate_CannotChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := auth.NewTestUser(t, env.store, "admin@example.com", auth.RoleAdmin)
	secondAdmin := auth.NewTestUser(t, env.store, "admin2@example.com", auth.RoleAdmin)
	target := auth.NewTestUser(t, env.store, "target@example.com", auth.RoleUser)
	adminSess := env.signIn(t, admin)

	// Impersonate another admin, then try to impersonate from that session
	sess, err := env.controller.Impersonate(ctx, adminSess.ID, secondAdmin.ID)
	require.NoError(t, err)

	_, err = env.controller.Impersonate(ctx, sess.ID, target.ID)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	assert.Zero(t, env.countSessions(t, target.ID))
}

func TestController_Impersonate_UnknownTarget(t *testing.T) {
	env := newTestEnv(t)

	admin := auth.NewTestUser(t, env.store, "admin@example.com", auth.RoleAdmin)
	adminSess := env.signIn(t, admin)

	_, err := env.controller.Impersonate(context.Background(), adminSess.ID, 9999)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestController_Impersonate_InvalidSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.controller.Impersonate(context.Background(), "no-such-session", 1)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestController_StopImpersonation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := auth.NewTestUser(t, env.store, "admin@example.com", auth.RoleAdmin)
	target := auth.NewTestUser(t, env.store, "target@example.com", auth.RoleUser)
	adminSess := env.signIn(t, admin)

	sess, err := env.controller.Impersonate(ctx, adminSess.ID, target.ID)
	require.NoError(t, err)

	require.NoError(t, env.controller.StopImpersonation(ctx, sess.ID))

	_, _, err = env.sessions.Validate(ctx, sess.ID)
	assert.ErrorIs(t, err, auth.ErrNotFound)

	// The admin's own session is untouched
	_, _, err = env.sessions.Validate(ctx, adminSess.ID)
	assert.NoError(t, err)
}

func TestController_StopImpersonation_RegularSession(t *testing.T) {
	env := newTestEnv(t)

	user := auth.NewTestUser(t, env.store, "user@example.com", auth.RoleUser)
	sess := env.signIn(t, user)

	err := env.controller.StopImpersonation(context.Background(), sess.ID)
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestController_ListUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := auth.NewTestUser(t, env.store, "admin@example.com", auth.RoleAdmin)
	auth.NewTestUser(t, env.store, "a@example.com", auth.RoleUser)
	auth.NewTestUser(t, env.store, "b@example.com", auth.RoleUser)
	adminSess := env.signIn(t, admin)

	users, err := env.controller.ListUsers(ctx, adminSess.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, users, 3)

	// Non-admin callers are refused
	user := auth.NewTestUser(t, env.store, "plain@example.com", auth.RoleUser)
	userSess := env.signIn(t, user)
	_, err = env.controller.ListUsers(ctx, userSess.ID, 10, 0)
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestController_SearchAuditLogs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := auth.NewTestUser(t, env.store, "admin@example.com", auth.RoleAdmin)
	target := auth.NewTestUser(t, env.store, "target@example.com", auth.RoleUser)
	adminSess := env.signIn(t, admin)

	// Leave a trail to search for
	sess, err := env.controller.Impersonate(ctx, adminSess.ID, target.ID)
	require.NoError(t, err)
	require.NoError(t, env.controller.StopImpersonation(ctx, sess.ID))

	events, err := env.controller.SearchAuditLogs(ctx, adminSess.ID,
		audit.SearchFilter{EventType: audit.EventTypeImpersonateStart})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].ActorUserID)
	assert.Equal(t, admin.ID, *events[0].ActorUserID)

	// Non-admin callers are refused
	user := auth.NewTestUser(t, env.store, "plain@example.com", auth.RoleUser)
	userSess := env.signIn(t, user)
	_, err = env.controller.SearchAuditLogs(ctx, userSess.ID, audit.SearchFilter{})
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestController_ChangeRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := auth.NewTestUser(t, env.store, "admin@example.com", auth.RoleAdmin)
	target := auth.NewTestUser(t, env.store, "target@example.com", auth.RoleUser)
	adminSess := env.signIn(t, admin)

	require.NoError(t, env.controller.ChangeRole(ctx, adminSess.ID, target.ID, auth.RoleAdmin))

	got, err := env.store.GetUser(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, got.Role)

	// Self-demotion is refused
	err = env.controller.ChangeRole(ctx, adminSess.ID, admin.ID, auth.RoleUser)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	// Invalid roles are refused
	err = env.controller.ChangeRole(ctx, adminSess.ID, target.ID, auth.Role("superuser"))
	assert.Error(t, err)
}

func TestController_SetPremium(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := auth.NewTestUser(t, env.store, "admin@example.com", auth.RoleAdmin)
	target := auth.NewTestUser(t, env.store, "target@example.com", auth.RoleUser)
	adminSess := env.signIn(t, admin)

	require.NoError(t, env.controller.SetPremium(ctx, adminSess.ID, target.ID, true))

	got, err := env.store.GetUser(ctx, target.ID)
	require.NoError(t, err)
	assert.True(t, got.Premium)
}
