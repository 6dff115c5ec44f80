package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/critiquebrainz/cbauth/instrumentation"
	"github.com/critiquebrainz/cbauth/internal/util"
	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	// code -> grant
	grants map[string]*storage.Grant

	// storage.TokenKey(client, user) -> token, plus lookup indexes
	tokens       map[string]*storage.Token
	byAccess     map[string]string
	byRefresh    map[string]string
	now          func() time.Time
	gracePeriod  time.Duration
	observer     *storage.Observer
	clientsCount atomic.Int64
	grantsCount  atomic.Int64
	tokensCount  atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		grants:          make(map[string]*storage.Grant),
		tokens:          make(map[string]*storage.Token),
		byAccess:        make(map[string]string),
		byRefresh:       make(map[string]string),
		now:             time.Now,
		gracePeriod:     security.DefaultClockSkewGracePeriod,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source. Tests use it to expire grants and tokens
// without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.observer = storage.NewObserver("memory", inst)
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		s.clientsCount.Load,
		s.grantsCount.Load,
		s.tokensCount.Load,
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(*error)) {
	s.mu.RLock()
	obs := s.observer
	s.mu.RUnlock()
	return obs.Start(ctx, operation)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.start(ctx, "get_client")
	defer done(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return client.Clone(), nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Unknown clients are compared against a dummy hash so both paths cost the same.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	return storage.CompareClientSecret(client, clientSecret)
}

// SaveClient registers or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.start(ctx, "save_client")
	defer done(&err)

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	stored := client.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if _, exists := s.clients[stored.ClientID]; !exists {
		s.clientsCount.Add(1)
	}
	s.clients[stored.ClientID] = stored

	s.logger.Debug("Saved client", "client_id", stored.ClientID)
	return nil
}

// ListClients lists all registered clients ordered by client ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client.Clone())
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateGrant stores a new authorization grant and returns its code
func (s *Store) CreateGrant(ctx context.Context, clientID, userID, redirectURI string, scope []string, ttl time.Duration) (_ string, err error) {
	_, done := s.start(ctx, "create_grant")
	defer done(&err)

	if err = storage.ValidateGrantArgs(clientID, userID, redirectURI, ttl); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code := storage.GenerateToken()
	for s.grants[code] != nil {
		code = storage.GenerateToken()
	}

	now := s.now()
	s.grants[code] = &storage.Grant{
		Code:        code,
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scope:       append([]string(nil), scope...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	s.grantsCount.Add(1)

	s.logger.Debug("Created grant",
		"client_id", clientID,
		"code_prefix", util.Redact(code))
	return code, nil
}

// ConsumeGrant atomically fetches and deletes the grant.
// SECURITY: the write lock makes check-and-delete a single step, so exactly one
// concurrent caller can redeem a code.
func (s *Store) ConsumeGrant(ctx context.Context, clientID, code string) (_ *storage.Grant, err error) {
	_, done := s.start(ctx, "consume_grant")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[code]
	if !ok || grant.ClientID != clientID {
		// A foreign client must not be able to burn someone else's code.
		return nil, storage.ErrGrantNotFound
	}

	s.deleteGrantLocked(code)
	if security.IsExpired(grant.ExpiresAt, s.now()) {
		return nil, storage.ErrGrantNotFound
	}

	s.logger.Debug("Consumed grant",
		"client_id", clientID,
		"code_prefix", util.Redact(code))
	return grant, nil
}

// DiscardGrant deletes the grant if it belongs to clientID
func (s *Store) DiscardGrant(ctx context.Context, clientID, code string) (err error) {
	_, done := s.start(ctx, "discard_grant")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if grant, ok := s.grants[code]; ok && grant.ClientID == clientID {
		s.deleteGrantLocked(code)
	}
	return nil
}

func (s *Store) deleteGrantLocked(code string) {
	if _, ok := s.grants[code]; ok {
		delete(s.grants, code)
		s.grantsCount.Add(-1)
	}
}

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateToken mints a token pair and replaces the pair's previous token
// under one write lock.
func (s *Store) CreateToken(ctx context.Context, req storage.TokenRequest) (_ *storage.Token, err error) {
	_, done := s.start(ctx, "create_token")
	defer done(&err)

	if err = req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.TokenKey(req.ClientID, req.UserID)
	existing := s.tokens[key]

	if req.PreviousRefreshToken != "" && (existing == nil || existing.RefreshToken != req.PreviousRefreshToken) {
		return nil, storage.ErrTokenNotFound
	}

	now := s.now()
	token := &storage.Token{
		AccessToken:  storage.GenerateToken(),
		RefreshToken: storage.GenerateToken(),
		ClientID:     req.ClientID,
		UserID:       req.UserID,
		Scope:        append([]string(nil), req.Scope...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(req.TTL),
	}

	s.deleteTokenLocked(key)
	s.tokens[key] = token
	s.byAccess[token.AccessToken] = key
	s.byRefresh[token.RefreshToken] = key
	s.tokensCount.Add(1)

	s.logger.Debug("Created token",
		"client_id", req.ClientID,
		"replaced", existing != nil,
		"access_token_prefix", util.Redact(token.AccessToken))
	return token.Clone(), nil
}

// GetTokenByRefresh looks a token up by refresh token. Access expiry is not checked.
func (s *Store) GetTokenByRefresh(ctx context.Context, clientID, refreshToken string) (_ *storage.Token, err error) {
	_, done := s.start(ctx, "get_token_by_refresh")
	defer done(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	token := s.tokens[s.byRefresh[refreshToken]]
	if token == nil || token.ClientID != clientID || token.RefreshToken != refreshToken {
		return nil, storage.ErrTokenNotFound
	}
	return token.Clone(), nil
}

// GetTokenByAccess looks up a token whose access token has not expired
func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (_ *storage.Token, err error) {
	_, done := s.start(ctx, "get_token_by_access")
	defer done(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	token := s.tokens[s.byAccess[accessToken]]
	if token == nil || token.AccessToken != accessToken || security.IsExpired(token.ExpiresAt, s.now()) {
		return nil, storage.ErrTokenNotFound
	}
	return token.Clone(), nil
}

// DiscardTokens deletes the token of the (client, user) pair, if any
func (s *Store) DiscardTokens(ctx context.Context, clientID, userID string) (err error) {
	_, done := s.start(ctx, "discard_tokens")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteTokenLocked(storage.TokenKey(clientID, userID))
	return nil
}

func (s *Store) deleteTokenLocked(key string) {
	token, ok := s.tokens[key]
	if !ok {
		return
	}
	delete(s.tokens, key)
	delete(s.byAccess, token.AccessToken)
	delete(s.byRefresh, token.RefreshToken)
	s.tokensCount.Add(-1)
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup evicts grants that expired more than the grace period ago.
// Tokens are kept: their refresh token stays valid after the access token expires.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for code, grant := range s.grants {
		if security.IsExpiredWithGracePeriod(grant.ExpiresAt, now, s.gracePeriod) {
			s.deleteGrantLocked(code)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired grants", "count", cleaned)
	}
}
