package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/admin"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/session"
	"github.com/platinummonkey/gatehouse/pkg/sso"
	"github.com/platinummonkey/gatehouse/pkg/token"
)

// Server assembles the HTTP surface: public auth routes, social login,
// session-protected account routes, and the admin subrouter.
type Server struct {
	router *mux.Router
	cfg    *config.Config
}

// Dependencies carries the constructed components the server routes to.
type Dependencies struct {
	Store    *auth.Store
	Sessions *session.Manager
	Issuer   *token.Issuer
	Linker   *sso.Linker
	Admin    *admin.Controller
	AuditLog audit.Logger
	Logger   *logrus.Logger
	Metrics  *observability.Metrics
}

// NewServer wires the routes.
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.AuditLog == nil {
		deps.AuditLog = audit.NopLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(nil)
	}

	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
	}).Methods("GET")

	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", deps.Metrics.Handler()).Methods("GET")
	}

	authHandlers := NewAuthHandlers(cfg, deps)
	authHandlers.RegisterRoutes(router)

	ssoHandlers := NewSSOHandlers(cfg, deps)
	ssoHandlers.RegisterRoutes(router)

	adminHandlers := NewAdminHandlers(cfg, deps)
	adminHandlers.RegisterRoutes(router)

	// Authenticated account routes
	sessionMW := middleware.NewSessionMiddleware(deps.Sessions, cfg.Server.CookieName, false)
	account := router.PathPrefix("/auth").Subrouter()
	account.Use(sessionMW.Handler)
	account.HandleFunc("/me", authHandlers.me).Methods("GET")
	account.HandleFunc("/change-email", authHandlers.changeEmail).Methods("POST")

	return &Server{router: router, cfg: cfg}
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// HTTPServer builds the http.Server with the configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Server.Host + ":" + s.cfg.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
}

// setSessionCookie installs the session cookie for the browser.
func setSessionCookie(w http.ResponseWriter, cfg *config.Config, sessionID string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Server.CookieName,
		Value:    sessionID,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   cfg.Server.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie expires the session cookie.
func clearSessionCookie(w http.ResponseWriter, cfg *config.Config) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Server.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Server.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
