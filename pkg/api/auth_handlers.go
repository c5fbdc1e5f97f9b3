package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/session"
	"github.com/platinummonkey/gatehouse/pkg/token"
)

const minPasswordLength = 8

// AuthHandlers handles the credential authentication routes
type AuthHandlers struct {
	cfg      *config.Config
	store    *auth.Store
	sessions *session.Manager
	issuer   *token.Issuer
	auditLog audit.Logger
	logger   *logrus.Logger
	metrics  *observability.Metrics
}

// NewAuthHandlers creates a new auth handlers instance
func NewAuthHandlers(cfg *config.Config, deps Dependencies) *AuthHandlers {
	return &AuthHandlers{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		issuer:   deps.Issuer,
		auditLog: deps.AuditLog,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
}

// RegisterRoutes registers the public authentication routes
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/sign-up", h.signUp).Methods("POST")
	router.HandleFunc("/auth/sign-in", h.signIn).Methods("POST")
	router.HandleFunc("/auth/sign-out", h.signOut).Methods("POST")
	router.HandleFunc("/auth/forgot-password", h.forgotPassword).Methods("POST")
	router.HandleFunc("/auth/reset-password", h.resetPassword).Methods("POST")
	router.HandleFunc("/auth/verify-email", h.verifyEmail).Methods("GET")
	router.HandleFunc("/auth/resend-verification", h.resendVerification).Methods("POST")
	router.HandleFunc("/auth/confirm-email-change", h.confirmEmailChange).Methods("GET")
}

// signUp handles POST /auth/sign-up
func (h *AuthHandlers) signUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !validEmail(req.Email) {
		httputil.WriteBadRequest(w, "a valid email is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		httputil.WriteBadRequest(w, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password, h.cfg.Auth.BcryptCost)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	user := &auth.User{
		Email:        req.Email,
		PasswordHash: hash,
		Role:         auth.RoleUser,
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrConflict) {
			httputil.WriteConflict(w, "an account with this email already exists")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	// Verification mail goes out on sign-up; a failure here is already
	// logged by the issuer and the user can request a resend.
	if _, err := h.issuer.IssueEmailVerification(r.Context(), user); err != nil {
		h.logger.WithError(err).Warn("failed to issue verification token on sign-up")
	}

	h.record(r, audit.NewEvent(audit.EventTypeSignUp, audit.EventStatusSuccess).WithActor(user.ID))
	httputil.WriteCreated(w, user)
}

// signIn handles POST /auth/sign-in
func (h *AuthHandlers) signIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		httputil.WriteInternalError(w, err)
		return
	}
	// The same response for an unknown email and a wrong password, so the
	// endpoint cannot be used to enumerate accounts.
	if user == nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		h.metrics.SignInsTotal.WithLabelValues("password", "invalid_credentials").Inc()
		h.record(r, audit.NewEvent(audit.EventTypeSignInFailed, audit.EventStatusFailure))
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}

	if !user.EmailVerified {
		h.metrics.SignInsTotal.WithLabelValues("password", "unverified").Inc()
		h.record(r, audit.NewEvent(audit.EventTypeSignInFailed, audit.EventStatusDenied).WithActor(user.ID))
		httputil.WriteForbidden(w, "email address not verified")
		return
	}

	sess, err := h.sessions.Create(r.Context(), user.ID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.metrics.SignInsTotal.WithLabelValues("password", "ok").Inc()
	h.record(r, audit.NewEvent(audit.EventTypeSignIn, audit.EventStatusSuccess).
		WithActor(user.ID).WithSession(sess.ID))
	setSessionCookie(w, h.cfg, sess.ID, sess.ExpiresAt)
	httputil.WriteSuccess(w, map[string]interface{}{
		"user":    user,
		"session": sess,
	})
}

// signOut handles POST /auth/sign-out. Revocation is idempotent; signing out
// without a session is still a success.
func (h *AuthHandlers) signOut(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.cfg.Server.CookieName); err == nil && cookie.Value != "" {
		if user, sess, err := h.sessions.Validate(r.Context(), cookie.Value); err == nil {
			h.record(r, audit.NewEvent(audit.EventTypeSignOut, audit.EventStatusSuccess).
				WithActor(user.ID).WithSession(sess.ID))
		}
		if err := h.sessions.Revoke(r.Context(), cookie.Value); err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
	}
	clearSessionCookie(w, h.cfg)
	httputil.WriteSuccessMessage(w, "signed out", nil)
}

// forgotPassword handles POST /auth/forgot-password. The response is
// identical whether or not the email is registered.
func (h *AuthHandlers) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if user, err := h.store.GetUserByEmail(r.Context(), req.Email); err == nil {
		if _, err := h.issuer.IssuePasswordReset(r.Context(), user); err != nil {
			h.logger.WithError(err).Warn("failed to issue password reset token")
		}
	}
	httputil.WriteSuccessMessage(w, "if the email is registered, a reset link has been sent", nil)
}

// resetPassword handles POST /auth/reset-password
func (h *AuthHandlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		httputil.WriteBadRequest(w, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword, h.cfg.Auth.BcryptCost)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	tok, err := h.issuer.ConsumePasswordReset(r.Context(), req.Token, hash)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	// A stolen session must not survive a password reset
	if _, err := h.sessions.RevokeAllForUser(r.Context(), tok.UserID); err != nil {
		h.logger.WithError(err).Warn("failed to revoke sessions after password reset")
	}

	h.record(r, audit.NewEvent(audit.EventTypePasswordReset, audit.EventStatusSuccess).WithActor(tok.UserID))
	httputil.WriteSuccessMessage(w, "password updated", nil)
}

// verifyEmail handles GET /auth/verify-email?token=...
// A successful verification signs the user in directly.
func (h *AuthHandlers) verifyEmail(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("token")

	tok, err := h.issuer.ConsumeEmailVerification(r.Context(), secret)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	user, err := h.store.GetUser(r.Context(), tok.UserID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	sess, err := h.sessions.Create(r.Context(), user.ID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.record(r, audit.NewEvent(audit.EventTypeEmailVerified, audit.EventStatusSuccess).
		WithActor(user.ID).WithSession(sess.ID))
	setSessionCookie(w, h.cfg, sess.ID, sess.ExpiresAt)
	httputil.WriteSuccess(w, map[string]interface{}{
		"user":    user,
		"session": sess,
	})
}

// resendVerification handles POST /auth/resend-verification. Response is
// uniform regardless of whether the email exists or is already verified.
func (h *AuthHandlers) resendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if user, err := h.store.GetUserByEmail(r.Context(), req.Email); err == nil && !user.EmailVerified {
		if _, err := h.issuer.IssueEmailVerification(r.Context(), user); err != nil {
			h.logger.WithError(err).Warn("failed to reissue verification token")
		}
	}
	httputil.WriteSuccessMessage(w, "if the email is registered, a verification link has been sent", nil)
}

// changeEmail handles POST /auth/change-email (session required). The change
// only lands once the confirmation link sent to the new address is opened.
func (h *AuthHandlers) changeEmail(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.User(r.Context())

	var req struct {
		NewEmail string `json:"new_email"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !validEmail(req.NewEmail) {
		httputil.WriteBadRequest(w, "a valid email is required")
		return
	}
	if auth.NormalizeEmail(req.NewEmail) == user.Email {
		httputil.WriteBadRequest(w, "new email matches the current one")
		return
	}
	if _, err := h.store.GetUserByEmail(r.Context(), req.NewEmail); err == nil {
		httputil.WriteConflict(w, "an account with this email already exists")
		return
	}

	if _, err := h.issuer.IssueEmailChange(r.Context(), user, req.NewEmail); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "confirmation link sent to the new address", nil)
}

// confirmEmailChange handles GET /auth/confirm-email-change?token=...
func (h *AuthHandlers) confirmEmailChange(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("token")

	tok, err := h.issuer.ConsumeEmailChange(r.Context(), secret)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	h.record(r, audit.NewEvent(audit.EventTypeEmailChanged, audit.EventStatusSuccess).WithActor(tok.UserID))
	httputil.WriteSuccessMessage(w, "email address updated", nil)
}

// me handles GET /auth/me (session required)
func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"user":    contextkeys.User(r.Context()),
		"session": contextkeys.Session(r.Context()),
	})
}

// record writes an audit event with request context attached; failures are
// logged, never surfaced.
func (h *AuthHandlers) record(r *http.Request, event *audit.Event) {
	event.WithRequest(httputil.ClientIP(r), r.UserAgent())
	if err := h.auditLog.Log(r.Context(), event); err != nil {
		h.logger.WithError(err).Warn("failed to write audit event")
	}
}

// writeAuthError maps the error taxonomy onto HTTP statuses.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		httputil.WriteNotFoundError(w, "not found")
	case errors.Is(err, auth.ErrExpired):
		httputil.WriteGone(w, "expired")
	case errors.Is(err, auth.ErrAlreadyUsed):
		httputil.WriteGone(w, "already used")
	case errors.Is(err, auth.ErrConflict):
		httputil.WriteConflict(w, "conflict")
	case errors.Is(err, auth.ErrForbidden):
		httputil.WriteForbidden(w, "forbidden")
	case errors.Is(err, auth.ErrInvalidAssertion):
		httputil.WriteUnauthorized(w, "could not verify identity assertion")
	case errors.Is(err, auth.ErrInvalidCredentials):
		httputil.WriteUnauthorized(w, "invalid credentials")
	default:
		httputil.WriteInternalError(w, err)
	}
}

func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t")
}
