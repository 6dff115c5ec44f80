package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/critiquebrainz/cbauth/instrumentation"
	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "cbauth:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "cbauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string

	mu       sync.RWMutex
	logger   *slog.Logger
	observer *storage.Observer
	now      func() time.Time

	// Grants are kept this long past their expiry before Valkey evicts them.
	gracePeriod time.Duration
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:      client,
		prefix:      prefix,
		logger:      logger,
		now:         time.Now,
		gracePeriod: security.DefaultClockSkewGracePeriod,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.getLogger().Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// Size gauges are not reported: counting keys would need a full SCAN.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = storage.NewObserver("valkey", inst)
}

func (s *Store) getLogger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(*error)) {
	s.mu.RLock()
	obs := s.observer
	s.mu.RUnlock()
	return obs.Start(ctx, operation)
}

// nowMillis is passed to scripts so expiry is judged by this process's clock.
func (s *Store) nowMillis() string {
	return strconv.FormatInt(s.now().UnixMilli(), 10)
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Key Helpers
// ============================================================
//
// Keys are binary safe, so the NUL separator of storage.TokenKey is kept as is.

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

// grantKey returns the key for a grant: {prefix}grant:{code}
func (s *Store) grantKey(code string) string {
	return s.prefix + "grant:" + code
}

// tokenKey returns the key for the token of a (client, user) pair: {prefix}token:{client}\x00{user}
func (s *Store) tokenKey(clientID, userID string) string {
	return s.prefix + "token:" + storage.TokenKey(clientID, userID)
}

// accessKey returns the access token index key: {prefix}access:{token}
func (s *Store) accessKey(accessToken string) string {
	return s.prefix + "access:" + accessToken
}

// refreshKey returns the refresh token index key: {prefix}refresh:{token}
func (s *Store) refreshKey(refreshToken string) string {
	return s.prefix + "refresh:" + refreshToken
}

// ============================================================
// JSON Serialization Helpers
// ============================================================

type clientJSON struct {
	ClientID         string `json:"client_id"`
	ClientSecretHash string `json:"client_secret_hash"`
	RedirectURI      string `json:"redirect_uri"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Website          string `json:"website,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		RedirectURI:      c.RedirectURI,
		Name:             c.Name,
		Description:      c.Description,
		Website:          c.Website,
		CreatedAt:        c.CreatedAt.UnixMilli(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		RedirectURI:      j.RedirectURI,
		Name:             j.Name,
		Description:      j.Description,
		Website:          j.Website,
		CreatedAt:        time.UnixMilli(j.CreatedAt),
	}
}

// grantJSON field names are read by luaConsumeGrant and luaDiscardGrant.
type grantJSON struct {
	Code        string   `json:"code"`
	ClientID    string   `json:"client_id"`
	UserID      string   `json:"user_id"`
	RedirectURI string   `json:"redirect_uri"`
	Scope       []string `json:"scope"`
	CreatedAt   int64    `json:"created_at"`
	ExpiresAt   int64    `json:"expires_at"`
}

func toGrantJSON(g *storage.Grant) *grantJSON {
	return &grantJSON{
		Code:        g.Code,
		ClientID:    g.ClientID,
		UserID:      g.UserID,
		RedirectURI: g.RedirectURI,
		Scope:       g.Scope,
		CreatedAt:   g.CreatedAt.UnixMilli(),
		ExpiresAt:   g.ExpiresAt.UnixMilli(),
	}
}

func fromGrantJSON(j *grantJSON) *storage.Grant {
	return &storage.Grant{
		Code:        j.Code,
		ClientID:    j.ClientID,
		UserID:      j.UserID,
		RedirectURI: j.RedirectURI,
		Scope:       j.Scope,
		CreatedAt:   time.UnixMilli(j.CreatedAt),
		ExpiresAt:   time.UnixMilli(j.ExpiresAt),
	}
}

// tokenJSON field names are read by luaReplaceToken and luaDiscardToken.
type tokenJSON struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ClientID     string   `json:"client_id"`
	UserID       string   `json:"user_id"`
	Scope        []string `json:"scope"`
	CreatedAt    int64    `json:"created_at"`
	ExpiresAt    int64    `json:"expires_at"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	return &tokenJSON{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ClientID:     t.ClientID,
		UserID:       t.UserID,
		Scope:        t.Scope,
		CreatedAt:    t.CreatedAt.UnixMilli(),
		ExpiresAt:    t.ExpiresAt.UnixMilli(),
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	return &storage.Token{
		AccessToken:  j.AccessToken,
		RefreshToken: j.RefreshToken,
		ClientID:     j.ClientID,
		UserID:       j.UserID,
		Scope:        j.Scope,
		CreatedAt:    time.UnixMilli(j.CreatedAt),
		ExpiresAt:    time.UnixMilli(j.ExpiresAt),
	}
}
