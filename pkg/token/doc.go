// Package token issues and consumes the single-use secrets behind email
// verification, password reset, and email change flows.
//
// Secrets look like gate_<random> and are stored as SHA-256 hashes, so a
// database leak does not leak live links. Consumption is linearizable per
// token: the store marks a token consumed with a conditional single-row
// update, so of any number of concurrent consumers exactly one succeeds and
// the rest observe ErrAlreadyUsed. Side effects (marking an email verified,
// installing a new password hash, rewriting an email address) commit in the
// same transaction as the consumption.
//
// Notifications are dispatched after the token is persisted; a delivery
// failure is logged and counted but never invalidates the token.
package token
