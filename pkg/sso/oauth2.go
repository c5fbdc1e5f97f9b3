package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/config"
)

// OAuth2Provider implements social login against a plain OAuth2 provider
// with a JSON userinfo endpoint (GitHub being the canonical case).
type OAuth2Provider struct {
	cfg          config.SSOProviderConfig
	oauth2Config *oauth2.Config
	emailListURL string
}

// NewOAuth2Provider creates a new OAuth2 provider
func NewOAuth2Provider(cfg config.SSOProviderConfig, redirectURL string) (*OAuth2Provider, error) {
	oauth2Cfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
		RedirectURL: redirectURL,
		Scopes:      cfg.Scopes,
	}

	p := &OAuth2Provider{
		cfg:          cfg,
		oauth2Config: oauth2Cfg,
	}
	// GitHub hides the email on /user when the user marks it private; the
	// /user/emails listing still returns it with verification status.
	if cfg.Name == "github" && cfg.UserInfoURL != "" {
		p.emailListURL = cfg.UserInfoURL + "/emails"
	}
	return p, nil
}

// Name returns the provider name
func (p *OAuth2Provider) Name() string {
	return p.cfg.Name
}

// AuthCodeURL returns the remote authorization URL embedding state
func (p *OAuth2Provider) AuthCodeURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a normalized profile. Any
// failure to verify the assertion maps to auth.ErrInvalidAssertion.
func (p *OAuth2Provider) Exchange(ctx context.Context, code string) (*Profile, error) {
	if code == "" {
		return nil, fmt.Errorf("missing authorization code: %w", auth.ErrInvalidAssertion)
	}

	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %v: %w", err, auth.ErrInvalidAssertion)
	}

	client := p.oauth2Config.Client(ctx, token)
	userInfo, err := fetchJSON(ctx, client, p.cfg.UserInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %v: %w", err, auth.ErrInvalidAssertion)
	}

	profile := &Profile{
		Provider:      p.cfg.Name,
		ExternalID:    getStringValue(userInfo, "id"),
		Email:         getStringValue(userInfo, "email"),
		EmailVerified: getBoolValue(userInfo, "email_verified"),
		Name:          getStringValue(userInfo, "name"),
	}
	if profile.ExternalID == "" {
		profile.ExternalID = getStringValue(userInfo, "sub")
	}

	if profile.Email == "" && p.emailListURL != "" {
		if email, verified, err := p.fetchPrimaryEmail(ctx, client); err == nil {
			profile.Email = email
			profile.EmailVerified = verified
		}
	}
	// GitHub only returns addresses the user confirmed, so an email present
	// on /user counts as verified even without an email_verified claim.
	if p.cfg.Name == "github" && profile.Email != "" && !getBoolValue(userInfo, "email_verified") {
		profile.EmailVerified = true
	}

	if profile.ExternalID == "" {
		return nil, fmt.Errorf("missing account id in user info: %w", auth.ErrInvalidAssertion)
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("missing email in user info: %w", auth.ErrInvalidAssertion)
	}
	return profile, nil
}

// fetchPrimaryEmail reads the GitHub-style email listing and picks the
// primary address, falling back to the first verified one.
func (p *OAuth2Provider) fetchPrimaryEmail(ctx context.Context, client *http.Client) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.emailListURL, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("email listing returned status %d", resp.StatusCode)
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", false, err
	}

	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, true, nil
		}
	}
	return "", false, fmt.Errorf("no usable email in listing")
}

// ValidateConfig validates the OAuth2 configuration
func (p *OAuth2Provider) ValidateConfig() error {
	if p.cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if p.cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if p.cfg.AuthURL == "" {
		return fmt.Errorf("auth_url is required")
	}
	if p.cfg.TokenURL == "" {
		return fmt.Errorf("token_url is required")
	}
	if p.cfg.UserInfoURL == "" {
		return fmt.Errorf("user_info_url is required")
	}
	return nil
}

// Helper functions

func fetchJSON(ctx context.Context, client *http.Client, url string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func getStringValue(data map[string]interface{}, key string) string {
	val, ok := data[key]
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case float64:
		// Numeric account ids (GitHub) arrive as JSON numbers
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func getBoolValue(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return false
}
