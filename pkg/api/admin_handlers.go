package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/admin"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
)

// AdminHandlers handles the privileged admin routes. The controller performs
// its own admin check per operation, so these handlers only translate HTTP.
type AdminHandlers struct {
	cfg        *config.Config
	controller *admin.Controller
	logger     *logrus.Logger
}

// NewAdminHandlers creates a new admin handlers instance
func NewAdminHandlers(cfg *config.Config, deps Dependencies) *AdminHandlers {
	return &AdminHandlers{
		cfg:        cfg,
		controller: deps.Admin,
		logger:     deps.Logger,
	}
}

// RegisterRoutes registers the admin routes
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/users", h.listUsers).Methods("GET")
	router.HandleFunc("/admin/users/{id}/role", h.changeRole).Methods("PUT")
	router.HandleFunc("/admin/users/{id}/premium", h.setPremium).Methods("PUT")
	router.HandleFunc("/admin/impersonate", h.impersonate).Methods("POST")
	router.HandleFunc("/admin/impersonate/stop", h.stopImpersonation).Methods("POST")
	router.HandleFunc("/admin/audit-logs", h.listAuditLogs).Methods("GET")
}

// callerSession extracts the session id the controller authorizes against.
func (h *AdminHandlers) callerSession(r *http.Request) string {
	cookie, err := r.Cookie(h.cfg.Server.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// listUsers handles GET /admin/users
func (h *AdminHandlers) listUsers(w http.ResponseWriter, r *http.Request) {
	limit := httputil.ParseQueryInt(r, "limit", 50)
	offset := httputil.ParseQueryInt(r, "offset", 0)

	users, err := h.controller.ListUsers(r.Context(), h.callerSession(r), limit, offset)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"users": users})
}

// changeRole handles PUT /admin/users/{id}/role
func (h *AdminHandlers) changeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Role auth.Role `json:"role"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Role.Valid() {
		httputil.WriteBadRequest(w, "role must be user or admin")
		return
	}

	if err := h.controller.ChangeRole(r.Context(), h.callerSession(r), userID, req.Role); err != nil {
		writeAuthError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "role updated", nil)
}

// setPremium handles PUT /admin/users/{id}/premium
func (h *AdminHandlers) setPremium(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Premium bool `json:"premium"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.controller.SetPremium(r.Context(), h.callerSession(r), userID, req.Premium); err != nil {
		writeAuthError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "premium flag updated", nil)
}

// impersonate handles POST /admin/impersonate. The response carries the
// impersonated session; the caller's own session cookie is left alone so the
// client can switch back.
func (h *AdminHandlers) impersonate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	sess, err := h.controller.Impersonate(r.Context(), h.callerSession(r), req.UserID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{"session": sess})
}

// listAuditLogs handles GET /admin/audit-logs. Filters: event_type, user_id,
// start and end (RFC 3339), limit, offset.
func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter := audit.SearchFilter{
		EventType: audit.EventType(r.URL.Query().Get("event_type")),
		Limit:     httputil.ParseQueryInt(r, "limit", 100),
		Offset:    httputil.ParseQueryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httputil.WriteBadRequest(w, "user_id must be an integer")
			return
		}
		filter.UserID = &userID
	}
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteBadRequest(w, "start must be an RFC 3339 timestamp")
			return
		}
		filter.StartTime = &start
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteBadRequest(w, "end must be an RFC 3339 timestamp")
			return
		}
		filter.EndTime = &end
	}

	events, err := h.controller.SearchAuditLogs(r.Context(), h.callerSession(r), filter)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}

// stopImpersonation handles POST /admin/impersonate/stop
func (h *AdminHandlers) stopImpersonation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.controller.StopImpersonation(r.Context(), req.SessionID); err != nil {
		writeAuthError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "impersonation ended", nil)
}
