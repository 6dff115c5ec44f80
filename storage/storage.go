// Package storage defines interfaces for persisting OAuth clients, authorization grants, and tokens.
// It supports various backend implementations including in-memory, SQL databases, and Valkey.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Not-found sentinels. Backends wrap them with context; callers branch with errors.Is.
// Any other error returned by a store is an infrastructure failure.
var (
	// ErrClientNotFound indicates that no client is registered under the given ID
	ErrClientNotFound = errors.New("client not found")

	// ErrGrantNotFound is returned for unknown, expired, already consumed, or foreign grants.
	// SECURITY: these cases are deliberately indistinguishable.
	ErrGrantNotFound = errors.New("grant not found")

	// ErrTokenNotFound is returned when no live token matches the lookup
	ErrTokenNotFound = errors.New("token not found")

	// ErrInvalidCredentials is returned when client secret validation fails
	ErrInvalidCredentials = errors.New("invalid client credentials")
)

// ClientStore is the registry of OAuth client applications.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time.
	// It always performs a hash comparison, even for unknown clients.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// SaveClient saves a client (used for seeding; registration UI is external)
	SaveClient(ctx context.Context, client *Client) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// GrantStore manages single-use authorization grants.
type GrantStore interface {
	// CreateGrant generates a random code, persists the grant with
	// expires_at = now + ttl and returns the code.
	CreateGrant(ctx context.Context, clientID, userID, redirectURI string, scope []string, ttl time.Duration) (string, error)

	// ConsumeGrant atomically looks up the grant matching clientID and code,
	// checks it has not expired and deletes it.
	// SECURITY: This operation MUST be atomic - exactly one concurrent caller may succeed.
	// Returns ErrGrantNotFound for wrong code, wrong client, expired or consumed grants.
	ConsumeGrant(ctx context.Context, clientID, code string) (*Grant, error)

	// DiscardGrant deletes a grant if it exists. Absence is not an error.
	DiscardGrant(ctx context.Context, clientID, code string) error
}

// TokenStore manages access/refresh token pairs, at most one per (client, user).
type TokenStore interface {
	// CreateToken generates a new token pair and atomically replaces any
	// existing token of the (client, user) pair with it.
	CreateToken(ctx context.Context, req TokenRequest) (*Token, error)

	// GetTokenByRefresh looks a token up by (clientID, refreshToken).
	// The access token expiry is not checked.
	GetTokenByRefresh(ctx context.Context, clientID, refreshToken string) (*Token, error)

	// GetTokenByAccess looks a live token up by its access token.
	// Expired access tokens are reported as ErrTokenNotFound.
	GetTokenByAccess(ctx context.Context, accessToken string) (*Token, error)

	// DiscardTokens deletes the token of the (client, user) pair, if any.
	DiscardTokens(ctx context.Context, clientID, userID string) error
}

// Store is implemented by every backend: one handle serves all three roles.
type Store interface {
	ClientStore
	GrantStore
	TokenStore
}

// Client represents a registered OAuth client application.
// Clients are immutable after registration.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash
	RedirectURI      string
	Name             string
	Description      string
	Website          string
	CreatedAt        time.Time
}

// Grant represents an issued, not yet exchanged authorization code
type Grant struct {
	Code        string
	ClientID    string
	UserID      string
	RedirectURI string
	Scope       []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Token represents an issued access/refresh token pair
type Token struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	UserID       string
	Scope        []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// TokenRequest describes a token to mint.
type TokenRequest struct {
	ClientID string
	UserID   string
	Scope    []string
	TTL      time.Duration

	// PreviousRefreshToken makes the replacement conditional: when set, the
	// pair's live token must still carry this refresh token, otherwise
	// ErrTokenNotFound is returned and nothing changes.
	PreviousRefreshToken string
}

// Validate checks the fields every backend requires.
func (r TokenRequest) Validate() error {
	switch {
	case r.ClientID == "":
		return fmt.Errorf("client ID cannot be empty")
	case r.UserID == "":
		return fmt.Errorf("user ID cannot be empty")
	case r.TTL <= 0:
		return fmt.Errorf("token TTL must be positive, got %s", r.TTL)
	}
	return nil
}

// ValidateGrantArgs checks the arguments of CreateGrant.
func ValidateGrantArgs(clientID, userID, redirectURI string, ttl time.Duration) error {
	switch {
	case clientID == "":
		return fmt.Errorf("client ID cannot be empty")
	case userID == "":
		return fmt.Errorf("user ID cannot be empty")
	case redirectURI == "":
		return fmt.Errorf("redirect URI cannot be empty")
	case ttl <= 0:
		return fmt.Errorf("grant TTL must be positive, got %s", ttl)
	}
	return nil
}

// Clone returns a copy of c.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Clone returns a deep copy of g.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Scope = append([]string(nil), g.Scope...)
	return &cp
}

// Clone returns a deep copy of t.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scope = append([]string(nil), t.Scope...)
	return &cp
}

// VerifyRedirectURI reports whether uri exactly matches the client's registered redirect URI.
// SECURITY: no prefix or wildcard matching (open redirect prevention).
func VerifyRedirectURI(client *Client, uri string) bool {
	if client == nil || uri == "" {
		return false
	}
	return client.RedirectURI == uri
}

// ParseScope splits a space-separated scope string into a normalized set
// (de-duplicated and sorted).
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// FormatScope joins a scope set into its space-separated wire form.
func FormatScope(scope []string) string {
	return strings.Join(scope, " ")
}

// TokenKey returns the key identifying the (client, user) pair of a token.
func TokenKey(clientID, userID string) string {
	return clientID + "\x00" + userID
}
