package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Config holds all application configuration. It is constructed once at
// process start and passed by reference into each component; nothing mutates
// it afterwards.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	SMTP          SMTPConfig
	SSO           SSOConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string // External URL embedded in verification links
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CookieName      string
	CookieSecure    bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds the optional session-cache Redis configuration. When URL
// is empty the session manager falls back to an in-process cache.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// AuthConfig holds the session/token lifecycle policy
type AuthConfig struct {
	SessionTTL       time.Duration // Session lifetime from creation or refresh
	SessionUpdateAge time.Duration // Minimum interval between sliding refreshes
	CacheTTL         time.Duration // Read-through session cache entry lifetime
	ImpersonationTTL time.Duration // Upper bound on impersonated sessions
	VerifyTokenTTL   time.Duration // Email verification tokens
	ResetTokenTTL    time.Duration // Password reset tokens
	ChangeTokenTTL   time.Duration // Email change tokens
	BcryptCost       int
	SweepSchedule    string // Cron spec for the expiry sweeper
}

// SMTPConfig holds outbound email configuration. When Host is empty,
// notifications are logged instead of sent.
type SMTPConfig struct {
	Host string
	Port string
	From string
}

// SSOProviderConfig holds one OAuth/OIDC provider's client credentials
type SSOProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	IssuerURL    string // Set for OIDC providers; empty for plain OAuth2
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// SSOConfig holds the configured social login providers
type SSOConfig struct {
	Providers []SSOProviderConfig
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("GATEHOUSE_HOST", "0.0.0.0"),
			Port:            getEnv("GATEHOUSE_PORT", "8080"),
			BaseURL:         getEnv("GATEHOUSE_BASE_URL", "http://localhost:8080"),
			ReadTimeout:     getEnvDuration("GATEHOUSE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
			CookieName:      getEnv("GATEHOUSE_COOKIE_NAME", "gatehouse_session"),
			CookieSecure:    getEnvBool("GATEHOUSE_COOKIE_SECURE", true),
		},
		Database: DatabaseConfig{
			URL:          getEnv("GATEHOUSE_POSTGRES_URL", "postgres://localhost/gatehouse?sslmode=disable"),
			MaxOpenConns: getEnvInt("GATEHOUSE_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("GATEHOUSE_POSTGRES_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:      getEnv("GATEHOUSE_REDIS_URL", ""),
			Password: getEnv("GATEHOUSE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("GATEHOUSE_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			SessionTTL:       getEnvDuration("GATEHOUSE_SESSION_TTL", 7*24*time.Hour),
			SessionUpdateAge: getEnvDuration("GATEHOUSE_SESSION_UPDATE_AGE", 7*24*time.Hour),
			CacheTTL:         getEnvDuration("GATEHOUSE_SESSION_CACHE_TTL", 5*time.Minute),
			ImpersonationTTL: getEnvDuration("GATEHOUSE_IMPERSONATION_TTL", 7*24*time.Hour),
			VerifyTokenTTL:   getEnvDuration("GATEHOUSE_VERIFY_TOKEN_TTL", 24*time.Hour),
			ResetTokenTTL:    getEnvDuration("GATEHOUSE_RESET_TOKEN_TTL", time.Hour),
			ChangeTokenTTL:   getEnvDuration("GATEHOUSE_CHANGE_TOKEN_TTL", 24*time.Hour),
			BcryptCost:       getEnvInt("GATEHOUSE_BCRYPT_COST", 0),
			SweepSchedule:    getEnv("GATEHOUSE_SWEEP_SCHEDULE", "*/30 * * * *"),
		},
		SMTP: SMTPConfig{
			Host: getEnv("GATEHOUSE_SMTP_HOST", ""),
			Port: getEnv("GATEHOUSE_SMTP_PORT", "587"),
			From: getEnv("GATEHOUSE_SMTP_FROM", "no-reply@localhost"),
		},
		SSO: SSOConfig{
			Providers: loadSSOProviders(),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("GATEHOUSE_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("GATEHOUSE_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadSSOProviders reads provider credentials from the environment. GitHub
// gets first-class treatment; a generic OIDC provider can be added via
// GATEHOUSE_OIDC_* variables.
func loadSSOProviders() []SSOProviderConfig {
	var providers []SSOProviderConfig

	if clientID := getEnv("GATEHOUSE_GITHUB_CLIENT_ID", ""); clientID != "" {
		providers = append(providers, SSOProviderConfig{
			Name:         "github",
			ClientID:     clientID,
			ClientSecret: getEnv("GATEHOUSE_GITHUB_CLIENT_SECRET", ""),
			AuthURL:      "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			UserInfoURL:  "https://api.github.com/user",
			Scopes:       []string{"read:user", "user:email"},
		})
	}

	if issuer := getEnv("GATEHOUSE_OIDC_ISSUER_URL", ""); issuer != "" {
		providers = append(providers, SSOProviderConfig{
			Name:         getEnv("GATEHOUSE_OIDC_NAME", "oidc"),
			ClientID:     getEnv("GATEHOUSE_OIDC_CLIENT_ID", ""),
			ClientSecret: getEnv("GATEHOUSE_OIDC_CLIENT_SECRET", ""),
			IssuerURL:    issuer,
			Scopes:       strings.Split(getEnv("GATEHOUSE_OIDC_SCOPES", "openid,profile,email"), ","),
		})
	}

	return providers
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Auth.SessionUpdateAge <= 0 {
		return fmt.Errorf("session update age must be positive")
	}
	if c.Auth.SessionUpdateAge > c.Auth.SessionTTL {
		return fmt.Errorf("session update age must not exceed session TTL")
	}
	if c.Auth.ImpersonationTTL > c.Auth.SessionTTL {
		return fmt.Errorf("impersonation TTL must not exceed session TTL")
	}
	for _, p := range c.SSO.Providers {
		if p.ClientID == "" || p.ClientSecret == "" {
			return fmt.Errorf("sso provider %s: client id and secret are required", p.Name)
		}
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
