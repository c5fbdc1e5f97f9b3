package sso

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/session"
)

// fakeProvider trades any code for a canned profile, or fails the exchange.
type fakeProvider struct {
	name    string
	profile *Profile
	fail    bool
}

func (p *fakeProvider) Name() string          { return p.name }
func (p *fakeProvider) ValidateConfig() error { return nil }

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*Profile, error) {
	if p.fail || code == "" {
		return nil, auth.ErrInvalidAssertion
	}
	return p.profile, nil
}

func newTestLinker(t *testing.T, provider *fakeProvider) (*Linker, *auth.Store) {
	t.Helper()

	db := auth.OpenTestDB(t)
	store := auth.NewStore(db)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	metrics := observability.NewMetrics(nil)

	sessions := session.NewManager(store, session.NewMemoryCache(100, 5*time.Minute),
		session.Policy{TTL: 7 * 24 * time.Hour, UpdateAge: 7 * 24 * time.Hour}, logger, metrics)

	providers := map[string]Provider{}
	if provider != nil {
		providers[provider.name] = provider
	}
	return NewLinker(store, sessions, providers, logger, metrics), store
}

func githubProfile(externalID, email string, verified bool) *Profile {
	return &Profile{
		Provider:      "github",
		ExternalID:    externalID,
		Email:         email,
		EmailVerified: verified,
		Name:          "Test User",
	}
}

func TestLinker_SignIn_ProvisionsNewUser(t *testing.T) {
	provider := &fakeProvider{name: "github", profile: githubProfile("gh-1", "new@example.com", true)}
	linker, store := newTestLinker(t, provider)
	ctx := context.Background()

	user, sess, err := linker.SignIn(ctx, "github", "good-code")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "new@example.com", user.Email)
	assert.True(t, user.EmailVerified, "provider vouched for the address")
	assert.Equal(t, auth.RoleUser, user.Role)
	assert.Equal(t, user.ID, sess.UserID)

	// The identity is linked for next time
	identity, err := store.GetSocialIdentity(ctx, "github", "gh-1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, identity.UserID)
}

func TestLinker_SignIn_ExistingIdentity(t *testing.T) {
	provider := &fakeProvider{name: "github", profile: githubProfile("gh-7", "old@example.com", true)}
	linker, store := newTestLinker(t, provider)
	ctx := context.Background()

	existing := auth.NewTestUser(t, store, "old@example.com", auth.RoleUser)
	require.NoError(t, store.CreateSocialIdentity(ctx, &auth.SocialIdentity{
		Provider: "github", ProviderAccountID: "gh-7", UserID: existing.ID,
	}))

	user, _, err := linker.SignIn(ctx, "github", "good-code")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID)

	// No second user was created
	users, err := store.ListUsers(ctx, 100, 0)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestLinker_SignIn_LinksByEmail(t *testing.T) {
	provider := &fakeProvider{name: "github", profile: githubProfile("gh-9", "match@example.com", true)}
	linker, store := newTestLinker(t, provider)
	ctx := context.Background()

	existing := auth.NewTestUser(t, store, "match@example.com", auth.RoleUser)

	user, _, err := linker.SignIn(ctx, "github", "good-code")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID, "matching email links, never duplicates")

	identity, err := store.GetSocialIdentity(ctx, "github", "gh-9")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, identity.UserID)

	users, err := store.ListUsers(ctx, 100, 0)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestLinker_SignIn_UnverifiedEmailCannotLink(t *testing.T) {
	provider := &fakeProvider{name: "github", profile: githubProfile("gh-11", "victim@example.com", false)}
	linker, store := newTestLinker(t, provider)
	ctx := context.Background()

	auth.NewTestUser(t, store, "victim@example.com", auth.RoleUser)

	_, _, err := linker.SignIn(ctx, "github", "good-code")
	assert.ErrorIs(t, err, auth.ErrInvalidAssertion)

	// The identity was not attached
	_, err = store.GetSocialIdentity(ctx, "github", "gh-11")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestLinker_SignIn_ExchangeFailure(t *testing.T) {
	provider := &fakeProvider{name: "github", fail: true}
	linker, store := newTestLinker(t, provider)
	ctx := context.Background()

	_, _, err := linker.SignIn(ctx, "github", "bad-code")
	assert.ErrorIs(t, err, auth.ErrInvalidAssertion)

	// No side effects persisted
	users, err := store.ListUsers(ctx, 100, 0)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestLinker_SignIn_UnknownProvider(t *testing.T) {
	linker, _ := newTestLinker(t, nil)

	_, _, err := linker.SignIn(context.Background(), "gitlab", "code")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestLinker_Exchange_IncompleteProfile(t *testing.T) {
	linker, _ := newTestLinker(t, nil)

	_, err := linker.Exchange(context.Background(), &Profile{Provider: "github", Email: "x@example.com"})
	assert.ErrorIs(t, err, auth.ErrInvalidAssertion)

	_, err = linker.Exchange(context.Background(), &Profile{Provider: "github", ExternalID: "gh-1"})
	assert.ErrorIs(t, err, auth.ErrInvalidAssertion)
}

func TestLinker_Exchange_RelinkIsIdempotent(t *testing.T) {
	linker, store := newTestLinker(t, nil)
	ctx := context.Background()

	profile := githubProfile("gh-20", "repeat@example.com", true)

	first, err := linker.Exchange(ctx, profile)
	require.NoError(t, err)

	second, err := linker.Exchange(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	users, err := store.ListUsers(ctx, 100, 0)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}
