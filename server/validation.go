package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/critiquebrainz/cbauth/storage"
)

// ResponseTypeCode is the only supported response type
const ResponseTypeCode = "code"

// Supported grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token" //nolint:gosec // G101: grant type name, not a credential
)

// validateAuthorizationRequest checks client, response type, redirect URI and
// scope, in that order, and returns the client and the normalized scope.
func (s *Server) validateAuthorizationRequest(ctx context.Context, req ValidateRequest) (*storage.Client, []string, error) {
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return nil, nil, fmt.Errorf("failed to get client: %w", err)
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, nil, fmt.Errorf("%w: response_type must be %q", ErrUnsupportedResponseType, ResponseTypeCode)
	}

	if !storage.VerifyRedirectURI(client, req.RedirectURI) {
		s.Auditor.LogInvalidRedirect(client.ClientID, req.ClientIP, "authorize")
		return nil, nil, fmt.Errorf("%w: redirect_uri does not match the registered URI", ErrInvalidRedirectURI)
	}

	scope, err := s.validateScope(req.Scope)
	if err != nil {
		return nil, nil, err
	}

	return client, scope, nil
}

// validateScope parses scope and checks it is non-empty and fully supported.
func (s *Server) validateScope(scope string) ([]string, error) {
	scopes := storage.ParseScope(scope)
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidScope)
	}

	for _, reqScope := range scopes {
		found := false
		for _, supportedScope := range s.Config.SupportedScopes {
			if reqScope == supportedScope {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: unsupported scope %q", ErrInvalidScope, reqScope)
		}
	}

	return scopes, nil
}

// hasScopes reports whether granted contains every scope in required.
func hasScopes(granted, required []string) bool {
	for _, r := range required {
		found := false
		for _, g := range granted {
			if g == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// validateScopeFormat validates a single scope string per RFC 6749 Section 3.3.
// Scope tokens must consist of printable ASCII characters excluding space,
// double-quote, and backslash: %x21 / %x23-5B / %x5D-7E
func validateScopeFormat(scope string) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}

	for i, c := range scope {
		if c == ' ' {
			return fmt.Errorf("scope cannot contain space at position %d (use separate scopes instead)", i)
		}
		if c == '"' {
			return fmt.Errorf("scope cannot contain double-quote at position %d", i)
		}
		if c == '\\' {
			return fmt.Errorf("scope cannot contain backslash at position %d", i)
		}
		if c < 0x21 || c > 0x7E {
			return fmt.Errorf("scope contains invalid character at position %d (only printable ASCII allowed)", i)
		}
	}

	return nil
}
