package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/critiquebrainz/cbauth/storage"
)

// StoreHarness is a backend under test.
type StoreHarness struct {
	Store storage.Store

	// Advance moves the store's clock forward. When nil the suite uses
	// short real TTLs and sleeps past them.
	Advance func(time.Duration)
}

// expire returns a TTL and a function that makes that TTL elapse.
func (h StoreHarness) expire() (time.Duration, func()) {
	if h.Advance != nil {
		return time.Minute, func() { h.Advance(2 * time.Minute) }
	}
	ttl := 100 * time.Millisecond
	return ttl, func() { time.Sleep(3 * ttl) }
}

// RunStoreSuite runs the behavior every storage.Store backend must share.
// newHarness is called once per subtest and must return an empty store.
func RunStoreSuite(t *testing.T, newHarness func(t *testing.T) StoreHarness) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newHarness(t)) })
	t.Run("GrantLifecycle", func(t *testing.T) { testGrantLifecycle(t, newHarness(t)) })
	t.Run("GrantSingleUse", func(t *testing.T) { testGrantSingleUse(t, newHarness(t)) })
	t.Run("GrantForeignClient", func(t *testing.T) { testGrantForeignClient(t, newHarness(t)) })
	t.Run("GrantExpiry", func(t *testing.T) { testGrantExpiry(t, newHarness(t)) })
	t.Run("GrantDiscard", func(t *testing.T) { testGrantDiscard(t, newHarness(t)) })
	t.Run("GrantConcurrentConsume", func(t *testing.T) { testGrantConcurrentConsume(t, newHarness(t)) })
	t.Run("TokenLifecycle", func(t *testing.T) { testTokenLifecycle(t, newHarness(t)) })
	t.Run("TokenReplace", func(t *testing.T) { testTokenReplace(t, newHarness(t)) })
	t.Run("TokenCompareAndSwap", func(t *testing.T) { testTokenCompareAndSwap(t, newHarness(t)) })
	t.Run("TokenConcurrentRefresh", func(t *testing.T) { testTokenConcurrentRefresh(t, newHarness(t)) })
	t.Run("TokenExpiry", func(t *testing.T) { testTokenExpiry(t, newHarness(t)) })
	t.Run("TokenDiscard", func(t *testing.T) { testTokenDiscard(t, newHarness(t)) })
	t.Run("InvalidArguments", func(t *testing.T) { testInvalidArguments(t, newHarness(t)) })
}

func testClients(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	client := GenerateTestClient(t)
	SeedClient(t, h.Store, client)

	other := GenerateTestClient(t)
	other.ClientID = "another-client"
	SeedClient(t, h.Store, other)

	got, err := h.Store.GetClient(ctx, TestClientID)
	AssertNoError(t, err)
	if got.ClientID != client.ClientID || got.RedirectURI != client.RedirectURI ||
		got.Name != client.Name || got.Description != client.Description || got.Website != client.Website {
		t.Errorf("GetClient() = %+v, want %+v", got, client)
	}
	AssertTimeEqual(t, got.CreatedAt, client.CreatedAt, time.Millisecond)

	if _, err := h.Store.GetClient(ctx, "unknown"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(unknown) error = %v, want ErrClientNotFound", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"correct secret", TestClientID, TestClientSecret, false},
		{"wrong secret", TestClientID, "wrong", true},
		{"empty secret", TestClientID, "", true},
		{"unknown client", "unknown", TestClientSecret, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Store.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if tt.wantErr && !errors.Is(err, storage.ErrInvalidCredentials) {
				t.Errorf("ValidateClientSecret() error = %v, want ErrInvalidCredentials", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateClientSecret() error = %v", err)
			}
		})
	}

	clients, err := h.Store.ListClients(ctx)
	AssertNoError(t, err)
	if len(clients) != 2 || clients[0].ClientID != "another-client" || clients[1].ClientID != TestClientID {
		t.Errorf("ListClients() returned %d clients in unexpected order", len(clients))
	}
}

func testGrantLifecycle(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	scope := []string{"review", "vote"}

	before := time.Now()
	code, err := h.Store.CreateGrant(ctx, TestClientID, TestUserID, TestRedirectURI, scope, 10*time.Minute)
	AssertNoError(t, err)
	if len(code) < 40 {
		t.Errorf("code %q is too short to carry 32 bytes of entropy", code)
	}

	grant, err := h.Store.ConsumeGrant(ctx, TestClientID, code)
	AssertNoError(t, err)
	if grant.Code != code || grant.ClientID != TestClientID || grant.UserID != TestUserID || grant.RedirectURI != TestRedirectURI {
		t.Errorf("ConsumeGrant() = %+v", grant)
	}
	if fmt.Sprint(grant.Scope) != fmt.Sprint(scope) {
		t.Errorf("Scope = %v, want %v", grant.Scope, scope)
	}
	if h.Advance == nil {
		AssertTimeEqual(t, grant.ExpiresAt, before.Add(10*time.Minute), 5*time.Second)
	}

	other, err := h.Store.CreateGrant(ctx, TestClientID, TestUserID, TestRedirectURI, scope, time.Minute)
	AssertNoError(t, err)
	if other == code {
		t.Error("CreateGrant() returned the same code twice")
	}
}

func testGrantSingleUse(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	code, err := h.Store.CreateGrant(ctx, TestClientID, TestUserID, TestRedirectURI, []string{"review"}, time.Minute)
	AssertNoError(t, err)

	_, err = h.Store.ConsumeGrant(ctx, TestClientID, code)
	AssertNoError(t, err)

	if _, err := h.Store.ConsumeGrant(ctx, TestClientID, code); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("second ConsumeGrant() error = %v, want ErrGrantNotFound", err)
	}
	if _, err := h.Store.ConsumeGrant(ctx, TestClientID, "no-such-code"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("ConsumeGrant(unknown) error = %v, want ErrGrantNotFound", err)
	}
}

func testGrantForeignClient(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	code, err := h.Store.CreateGrant(ctx, TestClientID, TestUserID, TestRedirectURI, []string{"review"}, time.Minute)
	AssertNoError(t, err)

	if _, err := h.Store.ConsumeGrant(ctx, "another-client", code); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Fatalf("ConsumeGrant(foreign client) error = %v, want ErrGrantNotFound", err)
	}
	if err := h.Store.DiscardGrant(ctx, "another-client", code); err != nil {
		t.Fatalf("DiscardGrant(foreign client) error = %v", err)
	}

	// The owner can still redeem it.
	if _, err := h.Store.ConsumeGrant(ctx, TestClientID, code); err != nil {
		t.Errorf("ConsumeGrant(owner) error = %v", err)
	}
}

func testGrantExpiry(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	ttl, elapse := h.expire()

	code, err := h.Store.CreateGrant(ctx, TestClientID, TestUserID, TestRedirectURI, []string{"review"}, ttl)
	AssertNoError(t, err)
	elapse()

	if _, err := h.Store.ConsumeGrant(ctx, TestClientID, code); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("ConsumeGrant(expired) error = %v, want ErrGrantNotFound", err)
	}
}

func testGrantDiscard(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	code, err := h.Store.CreateGrant(ctx, TestClientID, TestUserID, TestRedirectURI, []string{"review"}, time.Minute)
	AssertNoError(t, err)

	AssertNoError(t, h.Store.DiscardGrant(ctx, TestClientID, code))
	if _, err := h.Store.ConsumeGrant(ctx, TestClientID, code); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("ConsumeGrant(discarded) error = %v, want ErrGrantNotFound", err)
	}

	// Discarding an absent grant is not an error.
	AssertNoError(t, h.Store.DiscardGrant(ctx, TestClientID, code))
}

func testGrantConcurrentConsume(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	code, err := h.Store.CreateGrant(ctx, TestClientID, TestUserID, TestRedirectURI, []string{"review"}, time.Minute)
	AssertNoError(t, err)

	const workers = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.Store.ConsumeGrant(ctx, TestClientID, code)
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, storage.ErrGrantNotFound):
				t.Errorf("ConsumeGrant() unexpected error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("%d concurrent ConsumeGrant() calls succeeded, want exactly 1", got)
	}
}

func createToken(t *testing.T, store storage.TokenStore, userID, previous string) *storage.Token {
	t.Helper()
	token, err := store.CreateToken(context.Background(), storage.TokenRequest{
		ClientID:             TestClientID,
		UserID:               userID,
		Scope:                []string{"review", "vote"},
		TTL:                  time.Hour,
		PreviousRefreshToken: previous,
	})
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	return token
}

func testTokenLifecycle(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	token := createToken(t, h.Store, TestUserID, "")

	if token.AccessToken == "" || token.RefreshToken == "" || token.AccessToken == token.RefreshToken {
		t.Fatalf("CreateToken() returned unusable credentials: %+v", token)
	}

	byRefresh, err := h.Store.GetTokenByRefresh(ctx, TestClientID, token.RefreshToken)
	AssertNoError(t, err)
	if byRefresh.AccessToken != token.AccessToken || byRefresh.UserID != TestUserID {
		t.Errorf("GetTokenByRefresh() = %+v", byRefresh)
	}
	if fmt.Sprint(byRefresh.Scope) != "[review vote]" {
		t.Errorf("Scope = %v", byRefresh.Scope)
	}

	byAccess, err := h.Store.GetTokenByAccess(ctx, token.AccessToken)
	AssertNoError(t, err)
	if byAccess.RefreshToken != token.RefreshToken {
		t.Errorf("GetTokenByAccess() = %+v", byAccess)
	}

	if _, err := h.Store.GetTokenByRefresh(ctx, "another-client", token.RefreshToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByRefresh(foreign client) error = %v, want ErrTokenNotFound", err)
	}
	if _, err := h.Store.GetTokenByRefresh(ctx, TestClientID, token.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByRefresh(access token) error = %v, want ErrTokenNotFound", err)
	}
}

func testTokenReplace(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	first := createToken(t, h.Store, TestUserID, "")
	otherUser := createToken(t, h.Store, "someone-else", "")
	second := createToken(t, h.Store, TestUserID, "")

	if _, err := h.Store.GetTokenByRefresh(ctx, TestClientID, first.RefreshToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("replaced refresh token still found: %v", err)
	}
	if _, err := h.Store.GetTokenByAccess(ctx, first.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("replaced access token still found: %v", err)
	}
	if _, err := h.Store.GetTokenByRefresh(ctx, TestClientID, second.RefreshToken); err != nil {
		t.Errorf("new token not found: %v", err)
	}
	if _, err := h.Store.GetTokenByRefresh(ctx, TestClientID, otherUser.RefreshToken); err != nil {
		t.Errorf("token of another user was discarded: %v", err)
	}
}

func testTokenCompareAndSwap(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	first := createToken(t, h.Store, TestUserID, "")
	second := createToken(t, h.Store, TestUserID, first.RefreshToken)

	// A stale refresh token loses and leaves the current token intact.
	_, err := h.Store.CreateToken(ctx, storage.TokenRequest{
		ClientID:             TestClientID,
		UserID:               TestUserID,
		Scope:                []string{"review"},
		TTL:                  time.Hour,
		PreviousRefreshToken: first.RefreshToken,
	})
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("CreateToken(stale previous) error = %v, want ErrTokenNotFound", err)
	}
	if _, err := h.Store.GetTokenByRefresh(ctx, TestClientID, second.RefreshToken); err != nil {
		t.Errorf("current token lost after failed swap: %v", err)
	}

	// Without any live token the swap fails too.
	AssertNoError(t, h.Store.DiscardTokens(ctx, TestClientID, TestUserID))
	_, err = h.Store.CreateToken(ctx, storage.TokenRequest{
		ClientID:             TestClientID,
		UserID:               TestUserID,
		TTL:                  time.Hour,
		PreviousRefreshToken: second.RefreshToken,
	})
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("CreateToken(previous after discard) error = %v, want ErrTokenNotFound", err)
	}
}

func testTokenConcurrentRefresh(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	token := createToken(t, h.Store, TestUserID, "")

	const workers = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.Store.CreateToken(ctx, storage.TokenRequest{
				ClientID:             TestClientID,
				UserID:               TestUserID,
				TTL:                  time.Hour,
				PreviousRefreshToken: token.RefreshToken,
			})
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, storage.ErrTokenNotFound):
				t.Errorf("CreateToken() unexpected error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("%d concurrent refreshes succeeded, want exactly 1", got)
	}
}

func testTokenExpiry(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	ttl, elapse := h.expire()

	token, err := h.Store.CreateToken(ctx, storage.TokenRequest{
		ClientID: TestClientID,
		UserID:   TestUserID,
		TTL:      ttl,
	})
	AssertNoError(t, err)
	elapse()

	if _, err := h.Store.GetTokenByAccess(ctx, token.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByAccess(expired) error = %v, want ErrTokenNotFound", err)
	}
	// The refresh token outlives the access token.
	if _, err := h.Store.GetTokenByRefresh(ctx, TestClientID, token.RefreshToken); err != nil {
		t.Errorf("GetTokenByRefresh(expired access) error = %v", err)
	}
}

func testTokenDiscard(t *testing.T, h StoreHarness) {
	ctx := context.Background()
	token := createToken(t, h.Store, TestUserID, "")

	AssertNoError(t, h.Store.DiscardTokens(ctx, TestClientID, TestUserID))
	if _, err := h.Store.GetTokenByRefresh(ctx, TestClientID, token.RefreshToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByRefresh(discarded) error = %v, want ErrTokenNotFound", err)
	}
	if _, err := h.Store.GetTokenByAccess(ctx, token.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByAccess(discarded) error = %v, want ErrTokenNotFound", err)
	}

	// Discarding again is a no-op.
	AssertNoError(t, h.Store.DiscardTokens(ctx, TestClientID, TestUserID))
}

func testInvalidArguments(t *testing.T, h StoreHarness) {
	ctx := context.Background()

	if _, err := h.Store.CreateGrant(ctx, TestClientID, "", TestRedirectURI, nil, time.Minute); err == nil || storage.IsNotFound(err) {
		t.Errorf("CreateGrant(empty user) error = %v, want validation error", err)
	}
	if _, err := h.Store.CreateGrant(ctx, TestClientID, TestUserID, TestRedirectURI, nil, 0); err == nil {
		t.Error("CreateGrant(zero ttl) should fail")
	}
	if _, err := h.Store.CreateToken(ctx, storage.TokenRequest{ClientID: TestClientID, TTL: time.Hour}); err == nil || storage.IsNotFound(err) {
		t.Errorf("CreateToken(empty user) error = %v, want validation error", err)
	}
	if err := h.Store.SaveClient(ctx, &storage.Client{}); err == nil {
		t.Error("SaveClient(empty ID) should fail")
	}
}
