package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/critiquebrainz/cbauth/instrumentation"
	"github.com/critiquebrainz/cbauth/storage"
)

// ClientInfo is the public description of a client shown on consent screens.
type ClientInfo struct {
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	Description string `json:"desc"`
	Website     string `json:"website"`
}

// ClientRegistration describes a client to register
type ClientRegistration struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Website      string `yaml:"website"`

	// ClientSecretHash is used instead of ClientSecret when set
	ClientSecretHash string `yaml:"client_secret_hash"`
}

// RegisterClient hashes the client secret and stores the client, replacing
// any client with the same ID.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, error) {
	if reg.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if err := validateRegisteredRedirectURI(reg.RedirectURI); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}

	hash := reg.ClientSecretHash
	if hash == "" {
		var err error
		hash, err = storage.HashClientSecret(reg.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	client := &storage.Client{
		ClientID:         reg.ClientID,
		ClientSecretHash: hash,
		RedirectURI:      reg.RedirectURI,
		Name:             reg.Name,
		Description:      reg.Description,
		Website:          reg.Website,
	}
	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	s.Logger.Info("Registered client", "client_id", client.ClientID, "name", client.Name)
	return client, nil
}

// validateRegisteredRedirectURI requires an absolute URI without a fragment (RFC 6749 Section 3.1.2).
func validateRegisteredRedirectURI(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("redirect_uri is not a valid URI: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("redirect_uri must be absolute")
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}
	return nil
}

// Validate runs the authorization request checks without issuing a grant and
// returns the client's public information.
func (s *Server) Validate(ctx context.Context, req ValidateRequest) (_ *ClientInfo, err error) {
	ctx, span := s.startSpan(ctx, "oauth.validate")
	defer func() { s.finish(ctx, span, "validate", err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)

	client, _, err := s.validateAuthorizationRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	return &ClientInfo{
		ClientID:    client.ClientID,
		Name:        client.Name,
		Description: client.Description,
		Website:     client.Website,
	}, nil
}

// authenticateClient verifies the client's credentials.
// Unknown clients and wrong secrets are both ErrInvalidClient.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) error {
	if clientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidClient)
	}

	err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrInvalidCredentials) {
		s.Auditor.LogAuthFailure("", clientID, clientIP, "invalid_client_credentials")
		return fmt.Errorf("%w: client authentication failed", ErrInvalidClient)
	}
	return fmt.Errorf("failed to validate client credentials: %w", err)
}
