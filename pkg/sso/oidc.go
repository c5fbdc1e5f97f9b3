package sso

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/config"
)

// OIDCProvider implements social login against an OpenID Connect provider
// using issuer discovery and verified ID tokens.
type OIDCProvider struct {
	cfg          config.SSOProviderConfig
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

// NewOIDCProvider discovers the issuer and builds a verifier for its ID
// tokens.
func NewOIDCProvider(ctx context.Context, cfg config.SSOProviderConfig, redirectURL string) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	oauth2Cfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       cfg.Scopes,
	}

	return &OIDCProvider{
		cfg:          cfg,
		verifier:     verifier,
		oauth2Config: oauth2Cfg,
	}, nil
}

// Name returns the provider name
func (p *OIDCProvider) Name() string {
	return p.cfg.Name
}

// AuthCodeURL returns the remote authorization URL embedding state
func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a normalized profile built from
// the verified ID token claims.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*Profile, error) {
	if code == "" {
		return nil, fmt.Errorf("missing authorization code: %w", auth.ErrInvalidAssertion)
	}

	oauth2Token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %v: %w", err, auth.ErrInvalidAssertion)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in response: %w", auth.ErrInvalidAssertion)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %v: %w", err, auth.ErrInvalidAssertion)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %v: %w", err, auth.ErrInvalidAssertion)
	}

	if claims.Email == "" {
		return nil, fmt.Errorf("missing email in ID token: %w", auth.ErrInvalidAssertion)
	}

	return &Profile{
		Provider:      p.cfg.Name,
		ExternalID:    idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}

// ValidateConfig validates the OIDC configuration
func (p *OIDCProvider) ValidateConfig() error {
	if p.cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if p.cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if p.cfg.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	for _, scope := range p.cfg.Scopes {
		if scope == oidc.ScopeOpenID {
			return nil
		}
	}
	return fmt.Errorf("%q scope is required for OIDC", oidc.ScopeOpenID)
}
