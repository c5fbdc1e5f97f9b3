package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the auth service
type Metrics struct {
	// Sign-in / session metrics
	SignInsTotal        *prometheus.CounterVec // labels: method (password, social), result
	SessionsCreated     prometheus.Counter
	SessionsRevoked     prometheus.Counter
	SessionValidations  *prometheus.CounterVec // labels: result (valid, expired, not_found)
	SessionRefreshes    prometheus.Counter
	ImpersonationsTotal prometheus.Counter

	// Verification token metrics
	TokensIssued   *prometheus.CounterVec // labels: purpose
	TokensConsumed *prometheus.CounterVec // labels: purpose, result

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec // labels: result

	// Housekeeping
	SweptSessionsTotal prometheus.Counter
	SweptTokensTotal   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		SignInsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_sign_ins_total",
				Help: "Total sign-in attempts by method and result",
			},
			[]string{"method", "result"},
		),
		SessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_sessions_created_total",
				Help: "Total sessions created",
			},
		),
		SessionsRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_sessions_revoked_total",
				Help: "Total sessions revoked",
			},
		),
		SessionValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_session_validations_total",
				Help: "Total session validations by result",
			},
			[]string{"result"},
		),
		SessionRefreshes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_session_refreshes_total",
				Help: "Total sliding-expiry session refreshes",
			},
		),
		ImpersonationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_impersonations_total",
				Help: "Total admin impersonation sessions created",
			},
		),
		TokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_verification_tokens_issued_total",
				Help: "Total verification tokens issued by purpose",
			},
			[]string{"purpose"},
		),
		TokensConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_verification_tokens_consumed_total",
				Help: "Total verification token consumption attempts by purpose and result",
			},
			[]string{"purpose", "result"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_session_cache_hits_total",
				Help: "Total session cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_session_cache_misses_total",
				Help: "Total session cache misses",
			},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_notifications_total",
				Help: "Total notification dispatch attempts by result",
			},
			[]string{"result"},
		),
		SweptSessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_swept_sessions_total",
				Help: "Total expired sessions removed by the sweeper",
			},
		),
		SweptTokensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_swept_tokens_total",
				Help: "Total stale verification tokens removed by the sweeper",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.SignInsTotal,
		m.SessionsCreated,
		m.SessionsRevoked,
		m.SessionValidations,
		m.SessionRefreshes,
		m.ImpersonationsTotal,
		m.TokensIssued,
		m.TokensConsumed,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.NotificationsTotal,
		m.SweptSessionsTotal,
		m.SweptTokensTotal,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
