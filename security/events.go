package security

// Event type constants for security audit logging.
const (
	// EventGrantIssued is logged when an authorization grant (code) is issued
	EventGrantIssued = "grant_issued"

	// EventTokenIssued is logged when a token pair is issued from an authorization grant
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a token pair is rotated with a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokensRevoked is logged when a user withdraws a client's access
	EventTokensRevoked = "tokens_revoked" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventInvalidRedirect is logged when a redirect URI does not match the registered one
	EventInvalidRedirect = "invalid_redirect"

	// EventInvalidGrant is logged when a grant or refresh token cannot be redeemed.
	// Repeated occurrences for one client may indicate code replay.
	EventInvalidGrant = "invalid_grant"
)
