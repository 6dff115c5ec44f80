// Package security provides security-related functionality for the OAuth server,
// including audit logging, response headers, request correlation, client IP
// extraction, and expiry checks with clock skew tolerance.
//
// # Audit Logging
//
// The Auditor writes structured security events through log/slog. User
// identifiers are hashed before they are logged; credentials (codes, tokens,
// secrets) are never passed to it.
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.LogGrantIssued(userID, clientID, clientIP, "review vote")
//
// # Response Headers
//
// SetSecurityHeaders must be applied to every OAuth response. It sets
// Cache-Control: no-store so that codes and tokens are never cached by
// intermediaries.
package security
