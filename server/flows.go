package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/critiquebrainz/cbauth/instrumentation"
	"github.com/critiquebrainz/cbauth/internal/util"
	"github.com/critiquebrainz/cbauth/storage"
)

// ValidateRequest is an authorization request as submitted by a consent screen
type ValidateRequest struct {
	ClientID     string
	ResponseType string
	RedirectURI  string
	Scope        string

	// ClientIP is used for audit logging only
	ClientIP string
}

// AuthorizeRequest is an authorization request approved by an authenticated user
type AuthorizeRequest struct {
	ValidateRequest

	// UserID is the authenticated user granting access (required)
	UserID string
}

// TokenRequest is a token endpoint request
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Code         string
	RefreshToken string

	// ClientIP is used for audit logging only
	ClientIP string
}

// TokenResponse is the result of a successful token exchange
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	RefreshToken string   `json:"refresh_token"`
	Scope        []string `json:"-"`
}

// TokenTypeBearer is the token_type of every issued access token
const TokenTypeBearer = "Bearer"

// Authorize validates the request and issues an authorization grant for the
// user. Existing tokens of the (client, user) pair are not touched.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "oauth.authorize")
	defer func() { s.finish(ctx, span, "authorize", err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.UserID, req.Scope)
	span.SetAttributes(attribute.String(instrumentation.AttrResponseType, req.ResponseType))

	if req.UserID == "" {
		return "", fmt.Errorf("%w: no authenticated user", ErrAccessDenied)
	}

	client, scope, err := s.validateAuthorizationRequest(ctx, req.ValidateRequest)
	if err != nil {
		return "", err
	}

	code, err := s.grantStore.CreateGrant(ctx, client.ClientID, req.UserID, req.RedirectURI, scope, s.Config.AuthorizationCodeTTL)
	if err != nil {
		return "", fmt.Errorf("failed to create grant: %w", err)
	}

	s.Auditor.LogGrantIssued(req.UserID, client.ClientID, req.ClientIP, storage.FormatScope(scope))
	s.metrics().RecordGrantIssued(ctx, client.ClientID)

	s.Logger.Debug("Issued authorization grant",
		"client_id", client.ClientID,
		"code_prefix", util.Redact(code))
	return code, nil
}

// Token authenticates the client and exchanges an authorization code or a
// refresh token for a new token pair. The pair's previous token is replaced
// atomically; refresh tokens are rotated.
func (s *Server) Token(ctx context.Context, req TokenRequest) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.token")
	defer func() { s.finish(ctx, span, "token", err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", "")
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, req.GrantType))

	if err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP); err != nil {
		return nil, err
	}

	var (
		userID   string
		scope    []string
		previous string
	)
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		grant, err := s.redeemGrant(ctx, req)
		if err != nil {
			return nil, err
		}
		userID, scope = grant.UserID, grant.Scope

	case GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			return nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidGrant)
		}
		token, err := s.tokenStore.GetTokenByRefresh(ctx, req.ClientID, req.RefreshToken)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				s.Auditor.LogInvalidGrant(req.ClientID, req.ClientIP, req.GrantType, "unknown_refresh_token")
				return nil, fmt.Errorf("%w: refresh token is invalid", ErrInvalidGrant)
			}
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		userID, scope, previous = token.UserID, token.Scope, token.RefreshToken

		// A code sent along with a refresh token is spent as well.
		if req.Code != "" {
			if err := s.grantStore.DiscardGrant(ctx, req.ClientID, req.Code); err != nil {
				s.Logger.Warn("Failed to discard grant", "client_id", req.ClientID, "error", err)
			}
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGrantType, req.GrantType)
	}

	span.SetAttributes(attribute.String(instrumentation.AttrUserID, userID))

	token, err := s.tokenStore.CreateToken(ctx, storage.TokenRequest{
		ClientID:             req.ClientID,
		UserID:               userID,
		Scope:                scope,
		TTL:                  s.Config.AccessTokenTTL,
		PreviousRefreshToken: previous,
	})
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			// Another request rotated this refresh token first.
			s.Auditor.LogInvalidGrant(req.ClientID, req.ClientIP, req.GrantType, "concurrent_refresh")
			return nil, fmt.Errorf("%w: refresh token is invalid", ErrInvalidGrant)
		}
		return nil, fmt.Errorf("failed to create token: %w", err)
	}

	if previous == "" {
		s.Auditor.LogTokenIssued(userID, req.ClientID, req.ClientIP, storage.FormatScope(scope))
		s.metrics().RecordCodeExchange(ctx, req.ClientID)
	} else {
		span.SetAttributes(attribute.Bool(instrumentation.AttrTokenRotated, true))
		s.Auditor.LogTokenRefreshed(userID, req.ClientID, req.ClientIP)
		s.metrics().RecordTokenRefresh(ctx, req.ClientID)
	}

	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.Config.AccessTokenTTL / time.Second),
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	}, nil
}

// redeemGrant consumes the authorization code and pins its redirect URI.
// A mismatched redirect URI still burns the code.
func (s *Server) redeemGrant(ctx context.Context, req TokenRequest) (*storage.Grant, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidGrant)
	}

	grant, err := s.grantStore.ConsumeGrant(ctx, req.ClientID, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			s.Logger.Debug("Authorization code validation failed",
				"client_id", req.ClientID,
				"code_prefix", util.Redact(req.Code))
			s.Auditor.LogInvalidGrant(req.ClientID, req.ClientIP, req.GrantType, "unknown_or_expired_code")
			return nil, fmt.Errorf("%w: authorization code is invalid", ErrInvalidGrant)
		}
		return nil, fmt.Errorf("failed to consume grant: %w", err)
	}

	if grant.RedirectURI != req.RedirectURI {
		s.Auditor.LogInvalidRedirect(req.ClientID, req.ClientIP, "token")
		s.Auditor.LogInvalidGrant(req.ClientID, req.ClientIP, req.GrantType, "redirect_uri_mismatch")
		return nil, fmt.Errorf("%w: authorization code is invalid", ErrInvalidGrant)
	}

	return grant, nil
}

// Revoke withdraws a client's access on behalf of a user by discarding the
// pair's token. Revoking a client that holds no token is not an error.
func (s *Server) Revoke(ctx context.Context, clientID, userID, clientIP string) (err error) {
	ctx, span := s.startSpan(ctx, "oauth.revoke")
	defer func() { s.finish(ctx, span, "revoke", err) }()
	instrumentation.AddOAuthFlowAttributes(span, clientID, userID, "")

	if userID == "" {
		return fmt.Errorf("%w: no authenticated user", ErrAccessDenied)
	}
	if clientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}

	if _, err := s.clientStore.GetClient(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return fmt.Errorf("failed to get client: %w", err)
	}

	if err := s.tokenStore.DiscardTokens(ctx, clientID, userID); err != nil {
		return fmt.Errorf("failed to discard tokens: %w", err)
	}

	s.Auditor.LogTokensRevoked(userID, clientID, clientIP)
	s.metrics().RecordTokenRevocation(ctx, clientID)
	return nil
}

// Authenticate resolves a bearer access token and checks it carries every
// required scope.
func (s *Server) Authenticate(ctx context.Context, accessToken string, requiredScopes ...string) (_ *storage.Token, err error) {
	ctx, span := s.startSpan(ctx, "oauth.authenticate")
	defer func() { s.finish(ctx, span, "resource", err) }()

	if accessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrInvalidToken)
	}

	token, err := s.tokenStore.GetTokenByAccess(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: access token is invalid or expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	instrumentation.AddOAuthFlowAttributes(span, token.ClientID, token.UserID, storage.FormatScope(token.Scope))

	if !hasScopes(token.Scope, requiredScopes) {
		return nil, fmt.Errorf("%w: token lacks required scope", ErrInsufficientScope)
	}
	return token, nil
}
