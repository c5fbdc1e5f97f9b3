// Package observability provides structured logging and Prometheus metrics
// for the Gatehouse auth service.
//
// The Logger wraps stdlib slog with a JSON handler and chainable field
// helpers:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", userID).Info("session created")
//
// Metrics covers the auth-specific counters (sign-ins, token issuance and
// consumption, session cache hit rate, sweeper activity) and exposes a
// /metrics handler backed by its own registry.
package observability
