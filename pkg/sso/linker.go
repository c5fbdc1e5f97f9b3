package sso

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/session"
)

// Linker turns a provider's identity assertion into a local user and
// session. It owns the three-way decision: known identity signs in, known
// email links, unknown email provisions.
type Linker struct {
	store     *auth.Store
	sessions  *session.Manager
	providers map[string]Provider
	logger    *logrus.Logger
	metrics   *observability.Metrics
}

// NewLinker creates a linker over the configured providers.
func NewLinker(store *auth.Store, sessions *session.Manager, providers map[string]Provider, logger *logrus.Logger, metrics *observability.Metrics) *Linker {
	if logger == nil {
		logger = logrus.New()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Linker{
		store:     store,
		sessions:  sessions,
		providers: providers,
		logger:    logger,
		metrics:   metrics,
	}
}

// Provider returns a configured provider by name.
func (l *Linker) Provider(name string) (Provider, error) {
	p, ok := l.providers[name]
	if !ok {
		return nil, fmt.Errorf("sso provider %q: %w", name, auth.ErrNotFound)
	}
	return p, nil
}

// SignIn exchanges an authorization code with the named provider and signs
// the asserted identity in, provisioning or linking a local user as needed.
func (l *Linker) SignIn(ctx context.Context, providerName, code string) (*auth.User, *auth.Session, error) {
	provider, err := l.Provider(providerName)
	if err != nil {
		return nil, nil, err
	}

	profile, err := provider.Exchange(ctx, code)
	if err != nil {
		l.metrics.SignInsTotal.WithLabelValues("social", "invalid_assertion").Inc()
		return nil, nil, err
	}

	user, err := l.Exchange(ctx, profile)
	if err != nil {
		l.metrics.SignInsTotal.WithLabelValues("social", "error").Inc()
		return nil, nil, err
	}

	sess, err := l.sessions.Create(ctx, user.ID)
	if err != nil {
		l.metrics.SignInsTotal.WithLabelValues("social", "error").Inc()
		return nil, nil, err
	}

	l.metrics.SignInsTotal.WithLabelValues("social", "ok").Inc()
	l.logger.WithFields(logrus.Fields{
		"provider": providerName,
		"user_id":  user.ID,
	}).Info("social sign-in")
	return user, sess, nil
}

// Exchange resolves a verified profile to a local user. Lookup order:
// linked identity, then account with the same email (which gets the identity
// attached rather than a duplicate user), then just-in-time provisioning.
func (l *Linker) Exchange(ctx context.Context, profile *Profile) (*auth.User, error) {
	if profile.ExternalID == "" || profile.Email == "" {
		return nil, fmt.Errorf("incomplete profile: %w", auth.ErrInvalidAssertion)
	}

	identity, err := l.store.GetSocialIdentity(ctx, profile.Provider, profile.ExternalID)
	if err == nil {
		return l.store.GetUser(ctx, identity.UserID)
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return nil, err
	}

	user, err := l.store.GetUserByEmail(ctx, profile.Email)
	switch {
	case err == nil:
		// Existing account: attach the identity instead of duplicating the
		// user. Linking by email trusts the provider's verification.
		if !profile.EmailVerified {
			return nil, fmt.Errorf("provider did not verify email %s: %w", profile.Email, auth.ErrInvalidAssertion)
		}
	case errors.Is(err, auth.ErrNotFound):
		user, err = l.provision(ctx, profile)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := l.link(ctx, profile, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// provision creates a user for a first-time social sign-in. The email is
// recorded as verified: the provider already vouched for it.
func (l *Linker) provision(ctx context.Context, profile *Profile) (*auth.User, error) {
	user := &auth.User{
		Email:         profile.Email,
		EmailVerified: true,
		Role:          auth.RoleUser,
	}
	err := l.store.CreateUser(ctx, user)
	if errors.Is(err, auth.ErrConflict) {
		// Another request provisioned the same email concurrently
		return l.store.GetUserByEmail(ctx, profile.Email)
	}
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"provider": profile.Provider,
		"user_id":  user.ID,
	}).Info("provisioned user from social sign-in")
	return user, nil
}

func (l *Linker) link(ctx context.Context, profile *Profile, userID int64) error {
	identity := &auth.SocialIdentity{
		Provider:          profile.Provider,
		ProviderAccountID: profile.ExternalID,
		UserID:            userID,
	}
	err := l.store.CreateSocialIdentity(ctx, identity)
	if errors.Is(err, auth.ErrConflict) {
		// Lost a race with a concurrent sign-in for the same identity
		return nil
	}
	return err
}
