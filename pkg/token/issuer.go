package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/notify"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// TTLs holds the lifetime for each token purpose.
type TTLs struct {
	EmailVerify   time.Duration
	PasswordReset time.Duration
	EmailChange   time.Duration
}

// For returns the TTL for a purpose.
func (t TTLs) For(purpose auth.TokenPurpose) time.Duration {
	switch purpose {
	case auth.PurposePasswordReset:
		return t.PasswordReset
	case auth.PurposeEmailChange:
		return t.EmailChange
	default:
		return t.EmailVerify
	}
}

// Issuer mints and consumes the single-use secrets behind email
// verification, password reset, and email change links. Secrets are stored
// hashed; consumption is a conditional single-row update so concurrent
// consumers race safely.
type Issuer struct {
	store    *auth.Store
	secrets  *auth.SecretGenerator
	notifier notify.Notifier
	ttls     TTLs
	baseURL  string
	logger   *logrus.Logger
	metrics  *observability.Metrics

	now func() time.Time
}

// NewIssuer creates a token issuer.
func NewIssuer(store *auth.Store, notifier notify.Notifier, ttls TTLs, baseURL string, logger *logrus.Logger, metrics *observability.Metrics) *Issuer {
	if logger == nil {
		logger = logrus.New()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Issuer{
		store:    store,
		secrets:  auth.NewSecretGenerator(),
		notifier: notifier,
		ttls:     ttls,
		baseURL:  baseURL,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the issuer's time source. Intended for tests.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// IssueEmailVerification mints an email verification token for the user and
// mails the verification link. The plaintext secret is returned for callers
// that need it (tests, dev tooling); it is not stored anywhere.
func (i *Issuer) IssueEmailVerification(ctx context.Context, user *auth.User) (string, error) {
	secret, err := i.issue(ctx, user.ID, auth.PurposeEmailVerify, "")
	if err != nil {
		return "", err
	}

	link := fmt.Sprintf("%s/auth/verify-email?token=%s", i.baseURL, secret)
	i.dispatch(ctx, user.Email, "Verify your email address",
		fmt.Sprintf("Welcome! Confirm your email address by opening this link:\n\n%s\n\nThe link expires in %s.", link, i.ttls.EmailVerify))
	return secret, nil
}

// IssuePasswordReset mints a password reset token and mails the reset link.
func (i *Issuer) IssuePasswordReset(ctx context.Context, user *auth.User) (string, error) {
	secret, err := i.issue(ctx, user.ID, auth.PurposePasswordReset, "")
	if err != nil {
		return "", err
	}

	link := fmt.Sprintf("%s/auth/reset-password?token=%s", i.baseURL, secret)
	i.dispatch(ctx, user.Email, "Reset your password",
		fmt.Sprintf("A password reset was requested for your account. Open this link to choose a new password:\n\n%s\n\nThe link expires in %s. If you did not request this, ignore this message.", link, i.ttls.PasswordReset))
	return secret, nil
}

// IssueEmailChange mints an email change token and mails the confirmation
// link to the new address, proving the user controls it before the change
// lands.
func (i *Issuer) IssueEmailChange(ctx context.Context, user *auth.User, newEmail string) (string, error) {
	secret, err := i.issue(ctx, user.ID, auth.PurposeEmailChange, newEmail)
	if err != nil {
		return "", err
	}

	link := fmt.Sprintf("%s/auth/confirm-email-change?token=%s", i.baseURL, secret)
	i.dispatch(ctx, auth.NormalizeEmail(newEmail), "Confirm your new email address",
		fmt.Sprintf("Confirm this address as the new email for your account:\n\n%s\n\nThe link expires in %s.", link, i.ttls.EmailChange))
	return secret, nil
}

func (i *Issuer) issue(ctx context.Context, userID int64, purpose auth.TokenPurpose, newEmail string) (string, error) {
	secret, hash, err := i.secrets.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}

	tok := &auth.VerificationToken{
		TokenHash: hash,
		UserID:    userID,
		Purpose:   purpose,
		NewEmail:  newEmail,
		ExpiresAt: i.now().Add(i.ttls.For(purpose)),
	}
	if err := i.store.CreateVerificationToken(ctx, tok); err != nil {
		return "", err
	}

	i.metrics.TokensIssued.WithLabelValues(string(purpose)).Inc()
	i.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"purpose": purpose,
	}).Info("verification token issued")
	return secret, nil
}

// dispatch sends a notification after the token is already persisted. A
// delivery failure is logged and counted, never surfaced: the token stays
// valid and the user can request a resend.
func (i *Issuer) dispatch(ctx context.Context, to, subject, body string) {
	if i.notifier == nil {
		return
	}
	if err := i.notifier.Send(ctx, to, subject, body); err != nil {
		i.metrics.NotificationsTotal.WithLabelValues("error").Inc()
		i.logger.WithError(err).WithField("subject", subject).Warn("failed to send notification")
		return
	}
	i.metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}

// ConsumeEmailVerification consumes an email verification secret and marks
// the owning user's email verified, atomically. Returns the consumed token
// so callers can act on its user id.
func (i *Issuer) ConsumeEmailVerification(ctx context.Context, secret string) (*auth.VerificationToken, error) {
	tok, err := i.resolve(ctx, secret, auth.PurposeEmailVerify)
	if err != nil {
		return nil, err
	}
	ok, err := i.store.ConsumeAndVerifyEmail(ctx, tok.ID, tok.UserID, i.now())
	return i.finish(auth.PurposeEmailVerify, tok, ok, err)
}

// ConsumePasswordReset consumes a password reset secret and installs the new
// password hash, atomically.
func (i *Issuer) ConsumePasswordReset(ctx context.Context, secret, passwordHash string) (*auth.VerificationToken, error) {
	tok, err := i.resolve(ctx, secret, auth.PurposePasswordReset)
	if err != nil {
		return nil, err
	}
	ok, err := i.store.ConsumeAndSetPassword(ctx, tok.ID, tok.UserID, passwordHash, i.now())
	return i.finish(auth.PurposePasswordReset, tok, ok, err)
}

// ConsumeEmailChange consumes an email change secret and rewrites the user's
// email to the address recorded at issue time, atomically. Returns
// auth.ErrConflict, with the token left unconsumed, when another account
// claimed the address in the meantime.
func (i *Issuer) ConsumeEmailChange(ctx context.Context, secret string) (*auth.VerificationToken, error) {
	tok, err := i.resolve(ctx, secret, auth.PurposeEmailChange)
	if err != nil {
		return nil, err
	}
	ok, err := i.store.ConsumeAndChangeEmail(ctx, tok.ID, tok.UserID, tok.NewEmail, i.now())
	return i.finish(auth.PurposeEmailChange, tok, ok, err)
}

// resolve looks up a secret for a purpose and classifies its state. A
// malformed secret reports the same ErrNotFound as a missing one so callers
// leak nothing about which secrets exist.
func (i *Issuer) resolve(ctx context.Context, secret string, purpose auth.TokenPurpose) (*auth.VerificationToken, error) {
	if err := i.secrets.ValidateFormat(secret); err != nil {
		i.metrics.TokensConsumed.WithLabelValues(string(purpose), "not_found").Inc()
		return nil, fmt.Errorf("verification token: %w", auth.ErrNotFound)
	}

	tok, err := i.store.GetVerificationToken(ctx, i.secrets.Hash(secret), purpose)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			i.metrics.TokensConsumed.WithLabelValues(string(purpose), "not_found").Inc()
		}
		return nil, err
	}

	if tok.Expired(i.now()) {
		i.metrics.TokensConsumed.WithLabelValues(string(purpose), "expired").Inc()
		return nil, fmt.Errorf("verification token: %w", auth.ErrExpired)
	}
	if tok.Consumed() {
		i.metrics.TokensConsumed.WithLabelValues(string(purpose), "already_used").Inc()
		return nil, fmt.Errorf("verification token: %w", auth.ErrAlreadyUsed)
	}
	return tok, nil
}

// finish interprets the outcome of the conditional consume. ok == false with
// a nil error means another caller won the race between our resolve and the
// update.
func (i *Issuer) finish(purpose auth.TokenPurpose, tok *auth.VerificationToken, ok bool, err error) (*auth.VerificationToken, error) {
	if err != nil {
		if errors.Is(err, auth.ErrConflict) {
			i.metrics.TokensConsumed.WithLabelValues(string(purpose), "conflict").Inc()
		} else {
			i.metrics.TokensConsumed.WithLabelValues(string(purpose), "error").Inc()
		}
		return nil, err
	}
	if !ok {
		i.metrics.TokensConsumed.WithLabelValues(string(purpose), "already_used").Inc()
		return nil, fmt.Errorf("verification token: %w", auth.ErrAlreadyUsed)
	}

	i.metrics.TokensConsumed.WithLabelValues(string(purpose), "ok").Inc()
	i.logger.WithFields(logrus.Fields{
		"user_id": tok.UserID,
		"purpose": purpose,
	}).Info("verification token consumed")

	consumedAt := i.now()
	tok.ConsumedAt = &consumedAt
	return tok, nil
}

// Sweep deletes expired and consumed tokens. Run from the housekeeping cron.
func (i *Issuer) Sweep(ctx context.Context) error {
	deleted, err := i.store.DeleteStaleTokens(ctx, i.now())
	if err != nil {
		return fmt.Errorf("failed to sweep stale tokens: %w", err)
	}
	if deleted > 0 {
		i.metrics.SweptTokensTotal.Add(float64(deleted))
		i.logger.WithField("deleted", deleted).Debug("swept stale verification tokens")
	}
	return nil
}
