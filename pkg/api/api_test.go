package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/admin"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/session"
	"github.com/platinummonkey/gatehouse/pkg/sso"
	"github.com/platinummonkey/gatehouse/pkg/token"
)

// captureNotifier records every outbound message.
type captureNotifier struct {
	mu   sync.Mutex
	sent []string // bodies
}

func (n *captureNotifier) Send(_ context.Context, to, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, body)
	return nil
}

// lastToken digs the secret out of the most recent notification link.
func (n *captureNotifier) lastToken(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatal("no notification was sent")
	}
	body := n.sent[len(n.sent)-1]
	idx := strings.Index(body, "token=")
	require.GreaterOrEqual(t, idx, 0, "no token link in notification body")
	secret := body[idx+len("token="):]
	if end := strings.IndexAny(secret, "\n \t"); end >= 0 {
		secret = secret[:end]
	}
	return secret
}

type apiEnv struct {
	server   *Server
	store    *auth.Store
	sessions *session.Manager
	notifier *captureNotifier
	cfg      *config.Config
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	db := auth.OpenTestDB(t)
	store := auth.NewStore(db)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	metrics := observability.NewMetrics(nil)

	cfg := &config.Config{}
	cfg.Server.BaseURL = "http://auth.test"
	cfg.Server.CookieName = "gatehouse_session"
	cfg.Server.CookieSecure = false
	cfg.Auth.SessionTTL = 7 * 24 * time.Hour
	cfg.Auth.SessionUpdateAge = 7 * 24 * time.Hour
	cfg.Auth.CacheTTL = 5 * time.Minute
	cfg.Auth.ImpersonationTTL = 24 * time.Hour
	cfg.Auth.VerifyTokenTTL = 24 * time.Hour
	cfg.Auth.ResetTokenTTL = time.Hour
	cfg.Auth.ChangeTokenTTL = 24 * time.Hour
	cfg.Auth.BcryptCost = 4

	sessions := session.NewManager(store, session.NewMemoryCache(100, cfg.Auth.CacheTTL),
		session.Policy{TTL: cfg.Auth.SessionTTL, UpdateAge: cfg.Auth.SessionUpdateAge}, logger, metrics)

	notifier := &captureNotifier{}
	issuer := token.NewIssuer(store, notifier, token.TTLs{
		EmailVerify:   cfg.Auth.VerifyTokenTTL,
		PasswordReset: cfg.Auth.ResetTokenTTL,
		EmailChange:   cfg.Auth.ChangeTokenTTL,
	}, cfg.Server.BaseURL, logger, metrics)

	auditLog, err := audit.NewDBLogger(db)
	require.NoError(t, err)

	linker := sso.NewLinker(store, sessions, map[string]sso.Provider{}, logger, metrics)
	controller := admin.NewController(store, sessions, auditLog, cfg.Auth.ImpersonationTTL, logger, metrics)

	server := NewServer(cfg, Dependencies{
		Store:    store,
		Sessions: sessions,
		Issuer:   issuer,
		Linker:   linker,
		Admin:    controller,
		AuditLog: auditLog,
		Logger:   logger,
		Metrics:  metrics,
	})

	return &apiEnv{server: server, store: store, sessions: sessions, notifier: notifier, cfg: cfg}
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name && c.Value != "" {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", name)
	return nil
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	env := newAPIEnv(t)
	creds := map[string]string{"email": "alice@example.com", "password": "correct-horse"}

	rec := env.do(t, http.MethodPost, "/auth/sign-up", creds)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Password sign-in is refused until the email is verified
	rec = env.do(t, http.MethodPost, "/auth/sign-in", creds)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The verification link signs the user in directly
	verifyToken := env.notifier.lastToken(t)
	rec = env.do(t, http.MethodGet, "/auth/verify-email?token="+verifyToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookie := sessionCookie(t, rec, env.cfg.Server.CookieName)

	rec = env.do(t, http.MethodGet, "/auth/me", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice@example.com")

	// And password sign-in now works too
	rec = env.do(t, http.MethodPost, "/auth/sign-in", creds)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The verification link is single-use
	rec = env.do(t, http.MethodGet, "/auth/verify-email?token="+verifyToken, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	env := newAPIEnv(t)
	creds := map[string]string{"email": "dup@example.com", "password": "correct-horse"}

	rec := env.do(t, http.MethodPost, "/auth/sign-up", creds)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/sign-up", creds)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSignUp_Validation(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/sign-up", map[string]string{"email": "not-an-email", "password": "correct-horse"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/sign-up", map[string]string{"email": "ok@example.com", "password": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignIn_UniformFailureResponse(t *testing.T) {
	env := newAPIEnv(t)
	auth.NewTestUser(t, env.store, "bob@example.com", auth.RoleUser)

	wrongPassword := env.do(t, http.MethodPost, "/auth/sign-in",
		map[string]string{"email": "bob@example.com", "password": "wrong-password"})
	unknownEmail := env.do(t, http.MethodPost, "/auth/sign-in",
		map[string]string{"email": "nobody@example.com", "password": "wrong-password"})

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, http.StatusUnauthorized, unknownEmail.Code)
	assert.Equal(t, wrongPassword.Body.String(), unknownEmail.Body.String(),
		"responses must not reveal whether the account exists")
}

func TestSignOut(t *testing.T) {
	env := newAPIEnv(t)
	user := auth.NewTestUser(t, env.store, "carol@example.com", auth.RoleUser)

	sess, err := env.sessions.Create(context.Background(), user.ID)
	require.NoError(t, err)
	cookie := &http.Cookie{Name: env.cfg.Server.CookieName, Value: sess.ID}

	rec := env.do(t, http.MethodPost, "/auth/sign-out", nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/auth/me", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signing out again, or without a session, is still a success
	rec = env.do(t, http.MethodPost, "/auth/sign-out", nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/auth/sign-out", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPasswordResetFlow(t *testing.T) {
	env := newAPIEnv(t)
	user := auth.NewTestUser(t, env.store, "dave@example.com", auth.RoleUser)

	// An existing session that should not survive the reset
	oldSess, err := env.sessions.Create(context.Background(), user.ID)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/auth/forgot-password", map[string]string{"email": "dave@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	resetToken := env.notifier.lastToken(t)
	rec = env.do(t, http.MethodPost, "/auth/reset-password",
		map[string]string{"token": resetToken, "new_password": "brand-new-password"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Old password out, new password in
	rec = env.do(t, http.MethodPost, "/auth/sign-in",
		map[string]string{"email": "dave@example.com", "password": "test-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/auth/sign-in",
		map[string]string{"email": "dave@example.com", "password": "brand-new-password"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Pre-reset sessions were revoked
	_, _, err = env.sessions.Validate(context.Background(), oldSess.ID)
	assert.ErrorIs(t, err, auth.ErrNotFound)

	// The reset token is single-use
	rec = env.do(t, http.MethodPost, "/auth/reset-password",
		map[string]string{"token": resetToken, "new_password": "another-password"})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestForgotPassword_UniformResponse(t *testing.T) {
	env := newAPIEnv(t)
	auth.NewTestUser(t, env.store, "real@example.com", auth.RoleUser)

	known := env.do(t, http.MethodPost, "/auth/forgot-password", map[string]string{"email": "real@example.com"})
	unknown := env.do(t, http.MethodPost, "/auth/forgot-password", map[string]string{"email": "fake@example.com"})

	assert.Equal(t, http.StatusOK, known.Code)
	assert.Equal(t, http.StatusOK, unknown.Code)
	assert.Equal(t, known.Body.String(), unknown.Body.String())
}

func TestResetPassword_BadToken(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/reset-password",
		map[string]string{"token": "gate_bogus", "new_password": "brand-new-password"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChangeEmailFlow(t *testing.T) {
	env := newAPIEnv(t)
	user := auth.NewTestUser(t, env.store, "erin@example.com", auth.RoleUser)

	sess, err := env.sessions.Create(context.Background(), user.ID)
	require.NoError(t, err)
	cookie := &http.Cookie{Name: env.cfg.Server.CookieName, Value: sess.ID}

	rec := env.do(t, http.MethodPost, "/auth/change-email",
		map[string]string{"new_email": "erin.new@example.com"}, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	changeToken := env.notifier.lastToken(t)
	rec = env.do(t, http.MethodGet, "/auth/confirm-email-change?token="+changeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := env.store.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "erin.new@example.com", got.Email)

	// Unauthenticated requests are refused
	rec = env.do(t, http.MethodPost, "/auth/change-email", map[string]string{"new_email": "x@example.com"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChangeEmail_TakenAddress(t *testing.T) {
	env := newAPIEnv(t)
	user := auth.NewTestUser(t, env.store, "frank@example.com", auth.RoleUser)
	auth.NewTestUser(t, env.store, "taken@example.com", auth.RoleUser)

	sess, err := env.sessions.Create(context.Background(), user.ID)
	require.NoError(t, err)
	cookie := &http.Cookie{Name: env.cfg.Server.CookieName, Value: sess.ID}

	rec := env.do(t, http.MethodPost, "/auth/change-email",
		map[string]string{"new_email": "taken@example.com"}, cookie)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	adminUser := auth.NewTestUser(t, env.store, "admin@example.com", auth.RoleAdmin)
	target := auth.NewTestUser(t, env.store, "target@example.com", auth.RoleUser)
	regular := auth.NewTestUser(t, env.store, "user@example.com", auth.RoleUser)

	adminSess, err := env.sessions.Create(ctx, adminUser.ID)
	require.NoError(t, err)
	adminCookie := &http.Cookie{Name: env.cfg.Server.CookieName, Value: adminSess.ID}
	userSess, err := env.sessions.Create(ctx, regular.ID)
	require.NoError(t, err)
	userCookie := &http.Cookie{Name: env.cfg.Server.CookieName, Value: userSess.ID}

	t.Run("list users", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/admin/users", nil, adminCookie)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "target@example.com")

		rec = env.do(t, http.MethodGet, "/admin/users", nil, userCookie)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("change role", func(t *testing.T) {
		path := fmt.Sprintf("/admin/users/%d/role", target.ID)
		rec := env.do(t, http.MethodPut, path, map[string]string{"role": "admin"}, adminCookie)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		got, err := env.store.GetUser(ctx, target.ID)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleAdmin, got.Role)

		rec = env.do(t, http.MethodPut, path, map[string]string{"role": "superuser"}, adminCookie)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("set premium", func(t *testing.T) {
		path := fmt.Sprintf("/admin/users/%d/premium", target.ID)
		rec := env.do(t, http.MethodPut, path, map[string]bool{"premium": true}, adminCookie)
		require.Equal(t, http.StatusOK, rec.Code)

		got, err := env.store.GetUser(ctx, target.ID)
		require.NoError(t, err)
		assert.True(t, got.Premium)
	})

	t.Run("impersonate", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/admin/impersonate",
			map[string]int64{"user_id": regular.ID}, adminCookie)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp struct {
			Session auth.Session `json:"session"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, regular.ID, resp.Session.UserID)
		require.NotNil(t, resp.Session.ImpersonatedBy)
		assert.Equal(t, adminUser.ID, *resp.Session.ImpersonatedBy)

		rec = env.do(t, http.MethodPost, "/admin/impersonate/stop",
			map[string]string{"session_id": resp.Session.ID}, adminCookie)
		assert.Equal(t, http.StatusOK, rec.Code)

		// Non-admins cannot impersonate
		rec = env.do(t, http.MethodPost, "/admin/impersonate",
			map[string]int64{"user_id": target.ID}, userCookie)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("audit logs", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/admin/audit-logs?event_type=admin.impersonate_start", nil, adminCookie)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), "admin.impersonate_start")

		rec = env.do(t, http.MethodGet, "/admin/audit-logs?user_id=abc", nil, adminCookie)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = env.do(t, http.MethodGet, "/admin/audit-logs", nil, userCookie)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSSOCallback_StateMismatch(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/auth/sso/github/callback?state=forged&code=x", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/auth/sso/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
