package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/sso"
)

const stateCookieName = "gatehouse_sso_state"

// SSOHandlers handles the social login redirect and callback routes
type SSOHandlers struct {
	cfg      *config.Config
	linker   *sso.Linker
	auditLog audit.Logger
	logger   *logrus.Logger
}

// NewSSOHandlers creates a new SSO handlers instance
func NewSSOHandlers(cfg *config.Config, deps Dependencies) *SSOHandlers {
	return &SSOHandlers{
		cfg:      cfg,
		linker:   deps.Linker,
		auditLog: deps.AuditLog,
		logger:   deps.Logger,
	}
}

// RegisterRoutes registers the social login routes
func (h *SSOHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/sso/{provider}", h.login).Methods("GET")
	router.HandleFunc("/auth/sso/{provider}/callback", h.callback).Methods("GET")
}

// login handles GET /auth/sso/{provider}: set a state cookie and redirect to
// the provider's authorization endpoint.
func (h *SSOHandlers) login(w http.ResponseWriter, r *http.Request) {
	providerName := httputil.GetPathVars(r)["provider"]

	provider, err := h.linker.Provider(providerName)
	if err != nil {
		httputil.WriteNotFoundError(w, fmt.Sprintf("unknown provider %q", providerName))
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   h.cfg.Server.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, provider.AuthCodeURL(state), http.StatusFound)
}

// callback handles GET /auth/sso/{provider}/callback. The state parameter
// must match the cookie set at login; a mismatch is treated exactly like a
// failed assertion.
func (h *SSOHandlers) callback(w http.ResponseWriter, r *http.Request) {
	providerName := httputil.GetPathVars(r)["provider"]

	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		h.record(r, audit.NewEvent(audit.EventTypeSocialSignIn, audit.EventStatusFailure).
			WithMessage("state mismatch"))
		writeAuthError(w, fmt.Errorf("state mismatch: %w", auth.ErrInvalidAssertion))
		return
	}

	// The state cookie is single-use
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1})

	user, sess, err := h.linker.SignIn(r.Context(), providerName, r.URL.Query().Get("code"))
	if err != nil {
		h.record(r, audit.NewEvent(audit.EventTypeSocialSignIn, audit.EventStatusFailure).
			WithMessage(fmt.Sprintf("provider %s", providerName)))
		writeAuthError(w, err)
		return
	}

	h.record(r, audit.NewEvent(audit.EventTypeSocialSignIn, audit.EventStatusSuccess).
		WithActor(user.ID).WithSession(sess.ID).WithMessage(fmt.Sprintf("provider %s", providerName)))
	setSessionCookie(w, h.cfg, sess.ID, sess.ExpiresAt)
	httputil.WriteSuccess(w, map[string]interface{}{
		"user":    user,
		"session": sess,
	})
}

func (h *SSOHandlers) record(r *http.Request, event *audit.Event) {
	event.WithRequest(httputil.ClientIP(r), r.UserAgent())
	if err := h.auditLog.Log(r.Context(), event); err != nil {
		h.logger.WithError(err).Warn("failed to write audit event")
	}
}
