package oauth

import (
	"log/slog"
)

// DefaultTrustedUserHeader is the request header TrustedHeaderAuth reads the
// authenticated user from when Config.TrustedUserHeader is empty.
const DefaultTrustedUserHeader = "X-Authenticated-User"

// Config holds the HTTP handler configuration
type Config struct {
	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// when resolving client IPs for audit logs.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server.
	// Default: 1
	TrustedProxyCount int

	// TrustedUserHeader names the header carrying the user ID authenticated
	// by the fronting web application. The header must be stripped from
	// client requests by that application.
	// Default: X-Authenticated-User
	TrustedUserHeader string

	// HSTS enables the Strict-Transport-Security header.
	// Only enable when the server is reached over HTTPS.
	HSTS bool
}

// applyDefaults returns a copy of config with zero values replaced by defaults
func applyDefaults(config *Config) *Config {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TrustedProxyCount <= 0 {
		cfg.TrustedProxyCount = 1
	}
	if cfg.TrustedUserHeader == "" {
		cfg.TrustedUserHeader = DefaultTrustedUserHeader
	}
	return &cfg
}
