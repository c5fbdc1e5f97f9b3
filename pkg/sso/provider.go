package sso

import (
	"context"
	"fmt"

	"github.com/platinummonkey/gatehouse/pkg/config"
)

// Profile is the normalized identity assertion a provider hands back after a
// successful code exchange. EmailVerified reports whether the provider
// vouches for the address, not whether we do.
type Profile struct {
	Provider      string `json:"provider"`
	ExternalID    string `json:"external_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
}

// Provider is one configured social login provider.
type Provider interface {
	// Name returns the provider's configured name (e.g. "github")
	Name() string

	// AuthCodeURL returns the remote authorization URL embedding state
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for a normalized profile
	Exchange(ctx context.Context, code string) (*Profile, error)

	// ValidateConfig validates the provider configuration
	ValidateConfig() error
}

// NewProvider builds a provider from configuration. A provider with an
// issuer URL speaks OIDC discovery; anything else is treated as plain OAuth2
// with explicit endpoints.
func NewProvider(ctx context.Context, cfg config.SSOProviderConfig, redirectURL string) (Provider, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}

	if cfg.IssuerURL != "" {
		return NewOIDCProvider(ctx, cfg, redirectURL)
	}
	return NewOAuth2Provider(cfg, redirectURL)
}

// NewProviders builds every configured provider, keyed by name. The redirect
// URL is derived per provider from the server's external base URL.
func NewProviders(ctx context.Context, configs []config.SSOProviderConfig, baseURL string) (map[string]Provider, error) {
	providers := make(map[string]Provider, len(configs))
	for _, cfg := range configs {
		redirectURL := fmt.Sprintf("%s/auth/sso/%s/callback", baseURL, cfg.Name)
		p, err := NewProvider(ctx, cfg, redirectURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure provider %s: %w", cfg.Name, err)
		}
		if err := p.ValidateConfig(); err != nil {
			return nil, fmt.Errorf("invalid provider %s: %w", cfg.Name, err)
		}
		providers[cfg.Name] = p
	}
	return providers, nil
}
