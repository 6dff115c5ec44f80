package server

import (
	"fmt"
	"log/slog"
	"time"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
)

// DefaultSupportedScopes are the permissions critiquebrainz clients may request.
var DefaultSupportedScopes = []string{"review", "vote", "user"}

// Config holds the authorization service settings
type Config struct {
	// SupportedScopes lists every scope a client may request.
	// Default: DefaultSupportedScopes
	SupportedScopes []string

	// AuthorizationCodeTTL is how long an issued grant can be exchanged (default: 10 minutes)
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is the lifetime of issued access tokens (default: 1 hour).
	// Refresh tokens do not expire; they are rotated on every use.
	AccessTokenTTL time.Duration
}

// applyDefaults returns a copy of config with defaults filled in.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	cfg := *config

	if len(cfg.SupportedScopes) == 0 {
		cfg.SupportedScopes = append([]string(nil), DefaultSupportedScopes...)
	} else {
		cfg.SupportedScopes = append([]string(nil), cfg.SupportedScopes...)
	}
	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}

	if cfg.AuthorizationCodeTTL > cfg.AccessTokenTTL {
		logger.Warn("Authorization code TTL exceeds access token TTL",
			"code_ttl", cfg.AuthorizationCodeTTL,
			"access_token_ttl", cfg.AccessTokenTTL)
	}

	return &cfg
}

// validate checks the supported scopes are well-formed scope tokens.
func (c *Config) validate() error {
	for _, scope := range c.SupportedScopes {
		if err := validateScopeFormat(scope); err != nil {
			return fmt.Errorf("invalid supported scope %q: %w", scope, err)
		}
	}
	return nil
}
