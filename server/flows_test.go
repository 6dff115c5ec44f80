package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/critiquebrainz/cbauth/internal/testutil"
	"github.com/critiquebrainz/cbauth/storage"
)

func (e *testEnv) authorize(t *testing.T, userID string) string {
	t.Helper()
	code, err := e.srv.Authorize(context.Background(), AuthorizeRequest{ValidateRequest: validRequest(), UserID: userID})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	return code
}

func (e *testEnv) exchange(t *testing.T, code string) *TokenResponse {
	t.Helper()
	resp, err := e.srv.Token(context.Background(), codeRequest(code))
	if err != nil {
		t.Fatalf("Token(authorization_code) error = %v", err)
	}
	return resp
}

func codeRequest(code string) TokenRequest {
	return TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     testutil.TestClientID,
		ClientSecret: testutil.TestClientSecret,
		RedirectURI:  testutil.TestRedirectURI,
		Code:         code,
	}
}

func refreshRequest(refreshToken string) TokenRequest {
	return TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     testutil.TestClientID,
		ClientSecret: testutil.TestClientSecret,
		RefreshToken: refreshToken,
	}
}

func TestServer_Validate(t *testing.T) {
	env := setupTestServer(t)

	info, err := env.srv.Validate(context.Background(), validRequest())
	testutil.AssertNoError(t, err)
	want := ClientInfo{
		ClientID:    testutil.TestClientID,
		Name:        "Test Client",
		Description: "A client used in tests",
		Website:     "https://example.com",
	}
	if *info != want {
		t.Errorf("Validate() = %+v, want %+v", *info, want)
	}
}

func TestServer_Validate_Errors(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name   string
		mutate func(*ValidateRequest)
		want   error
	}{
		{"unknown client", func(r *ValidateRequest) { r.ClientID = "nope" }, ErrInvalidClient},
		{"empty client", func(r *ValidateRequest) { r.ClientID = "" }, ErrInvalidClient},
		{"token response type", func(r *ValidateRequest) { r.ResponseType = "token" }, ErrUnsupportedResponseType},
		{"empty response type", func(r *ValidateRequest) { r.ResponseType = "" }, ErrUnsupportedResponseType},
		{"redirect mismatch", func(r *ValidateRequest) { r.RedirectURI = "https://evil.example/cb" }, ErrInvalidRedirectURI},
		{"redirect prefix", func(r *ValidateRequest) { r.RedirectURI = testutil.TestRedirectURI + "/x" }, ErrInvalidRedirectURI},
		{"empty scope", func(r *ValidateRequest) { r.Scope = "" }, ErrInvalidScope},
		{"blank scope", func(r *ValidateRequest) { r.Scope = "   " }, ErrInvalidScope},
		{"unknown scope", func(r *ValidateRequest) { r.Scope = "review admin" }, ErrInvalidScope},

		// Checks run in order: client, response type, redirect URI, scope.
		{"client checked first", func(r *ValidateRequest) { r.ClientID = "nope"; r.ResponseType = "token" }, ErrInvalidClient},
		{"response type before redirect", func(r *ValidateRequest) { r.ResponseType = "token"; r.RedirectURI = "x" }, ErrUnsupportedResponseType},
		{"redirect before scope", func(r *ValidateRequest) { r.RedirectURI = "x"; r.Scope = "" }, ErrInvalidRedirectURI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := env.srv.Validate(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestServer_Authorize(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req := AuthorizeRequest{ValidateRequest: validRequest(), UserID: testutil.TestUserID}
	req.Scope = "vote review vote"
	code, err := env.srv.Authorize(ctx, req)
	testutil.AssertNoError(t, err)

	grant, err := env.store.ConsumeGrant(ctx, testutil.TestClientID, code)
	testutil.AssertNoError(t, err)
	if grant.ClientID != testutil.TestClientID || grant.UserID != testutil.TestUserID || grant.RedirectURI != testutil.TestRedirectURI {
		t.Errorf("grant = %+v", grant)
	}
	if fmt.Sprint(grant.Scope) != "[review vote]" {
		t.Errorf("grant scope = %v, want normalized [review vote]", grant.Scope)
	}
	testutil.AssertTimeEqual(t, grant.ExpiresAt, env.clock.Now().Add(10*time.Minute), time.Second)
}

func TestServer_Authorize_Errors(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	if _, err := env.srv.Authorize(ctx, AuthorizeRequest{ValidateRequest: validRequest()}); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Authorize(no user) error = %v, want ErrAccessDenied", err)
	}

	bad := validRequest()
	bad.Scope = "admin"
	if _, err := env.srv.Authorize(ctx, AuthorizeRequest{ValidateRequest: bad, UserID: testutil.TestUserID}); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("Authorize(bad scope) error = %v, want ErrInvalidScope", err)
	}
}

func TestServer_Authorize_KeepsExistingToken(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	first := env.exchange(t, env.authorize(t, testutil.TestUserID))
	_ = env.authorize(t, testutil.TestUserID)

	if _, err := env.srv.Authenticate(ctx, first.AccessToken); err != nil {
		t.Errorf("issuing a grant invalidated the existing token: %v", err)
	}
}

func TestServer_Token_AuthorizationCode(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	resp := env.exchange(t, env.authorize(t, testutil.TestUserID))
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 3600 {
		t.Errorf("Token() = %+v", resp)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.AccessToken == resp.RefreshToken {
		t.Errorf("Token() returned unusable credentials: %+v", resp)
	}
	if fmt.Sprint(resp.Scope) != "[review vote]" {
		t.Errorf("Scope = %v", resp.Scope)
	}

	token, err := env.srv.Authenticate(ctx, resp.AccessToken, "review")
	testutil.AssertNoError(t, err)
	if token.UserID != testutil.TestUserID || token.ClientID != testutil.TestClientID {
		t.Errorf("Authenticate() = %+v", token)
	}
}

func TestServer_Token_CodeIsSingleUse(t *testing.T) {
	env := setupTestServer(t)
	code := env.authorize(t, testutil.TestUserID)
	env.exchange(t, code)

	if _, err := env.srv.Token(context.Background(), codeRequest(code)); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange error = %v, want ErrInvalidGrant", err)
	}
}

func TestServer_Token_Errors(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*TokenRequest)
		want   error
	}{
		{"wrong secret", func(r *TokenRequest) { r.ClientSecret = "wrong" }, ErrInvalidClient},
		{"empty secret", func(r *TokenRequest) { r.ClientSecret = "" }, ErrInvalidClient},
		{"unknown client", func(r *TokenRequest) { r.ClientID = "nope" }, ErrInvalidClient},
		{"empty client", func(r *TokenRequest) { r.ClientID = "" }, ErrInvalidClient},
		{"unsupported grant type", func(r *TokenRequest) { r.GrantType = "password" }, ErrUnsupportedGrantType},
		{"client credentials grant", func(r *TokenRequest) { r.GrantType = "client_credentials" }, ErrUnsupportedGrantType},
		{"grant type checked after client auth", func(r *TokenRequest) { r.GrantType = "password"; r.ClientSecret = "wrong" }, ErrInvalidClient},
		{"unknown code", func(r *TokenRequest) { r.Code = "no-such-code" }, ErrInvalidGrant},
		{"missing code", func(r *TokenRequest) { r.Code = "" }, ErrInvalidGrant},
		{"missing refresh token", func(r *TokenRequest) { r.GrantType = GrantTypeRefreshToken; r.RefreshToken = "" }, ErrInvalidGrant},
		{"unknown refresh token", func(r *TokenRequest) { r.GrantType = GrantTypeRefreshToken; r.RefreshToken = "nope" }, ErrInvalidGrant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := codeRequest(env.authorize(t, testutil.TestUserID))
			tt.mutate(&req)
			if _, err := env.srv.Token(ctx, req); !errors.Is(err, tt.want) {
				t.Errorf("Token() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestServer_Token_RedirectURIPinning(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	code := env.authorize(t, testutil.TestUserID)

	req := codeRequest(code)
	req.RedirectURI = "https://evil.example/cb"
	if _, err := env.srv.Token(ctx, req); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("Token(wrong redirect) error = %v, want ErrInvalidGrant", err)
	}

	// The code is burned by the failed attempt.
	if _, err := env.srv.Token(ctx, codeRequest(code)); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Token(after mismatch) error = %v, want ErrInvalidGrant", err)
	}
	if !strings.Contains(env.audit.String(), `"invalid_redirect"`) {
		t.Error("redirect mismatch was not audited")
	}
}

func TestServer_Token_ForeignClientCannotRedeem(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	other := testutil.GenerateTestClient(t)
	other.ClientID = "another-client"
	testutil.SeedClient(t, env.store, other)

	code := env.authorize(t, testutil.TestUserID)
	req := codeRequest(code)
	req.ClientID = "another-client"
	if _, err := env.srv.Token(ctx, req); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("Token(foreign client) error = %v, want ErrInvalidGrant", err)
	}

	// The owner is unaffected.
	env.exchange(t, code)
}

func TestServer_Token_ExpiredCode(t *testing.T) {
	env := setupTestServer(t)
	code := env.authorize(t, testutil.TestUserID)
	env.clock.Advance(11 * time.Minute)

	if _, err := env.srv.Token(context.Background(), codeRequest(code)); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Token(expired code) error = %v, want ErrInvalidGrant", err)
	}
}

func TestServer_Token_RefreshRotates(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	first := env.exchange(t, env.authorize(t, testutil.TestUserID))

	second, err := env.srv.Token(ctx, refreshRequest(first.RefreshToken))
	testutil.AssertNoError(t, err)
	if second.RefreshToken == first.RefreshToken || second.AccessToken == first.AccessToken {
		t.Error("refresh did not rotate the token pair")
	}
	if fmt.Sprint(second.Scope) != fmt.Sprint(first.Scope) {
		t.Errorf("refreshed scope = %v, want %v", second.Scope, first.Scope)
	}

	if _, err := env.srv.Token(ctx, refreshRequest(first.RefreshToken)); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("reusing the old refresh token error = %v, want ErrInvalidGrant", err)
	}
	if _, err := env.srv.Authenticate(ctx, first.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("old access token error = %v, want ErrInvalidToken", err)
	}
	if _, err := env.srv.Token(ctx, refreshRequest(second.RefreshToken)); err != nil {
		t.Errorf("refresh with the new token error = %v", err)
	}
}

func TestServer_Token_RefreshAfterAccessExpiry(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	resp := env.exchange(t, env.authorize(t, testutil.TestUserID))
	env.clock.Advance(2 * time.Hour)

	if _, err := env.srv.Authenticate(ctx, resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired access token error = %v, want ErrInvalidToken", err)
	}
	if _, err := env.srv.Token(ctx, refreshRequest(resp.RefreshToken)); err != nil {
		t.Errorf("refresh after access expiry error = %v", err)
	}
}

func TestServer_Token_RefreshDiscardsCode(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	resp := env.exchange(t, env.authorize(t, testutil.TestUserID))
	pending := env.authorize(t, testutil.TestUserID)

	req := refreshRequest(resp.RefreshToken)
	req.Code = pending
	_, err := env.srv.Token(ctx, req)
	testutil.AssertNoError(t, err)

	if _, err := env.srv.Token(ctx, codeRequest(pending)); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("code sent with a refresh is still redeemable: %v", err)
	}
}

func TestServer_Token_OneTokenPerPair(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	first := env.exchange(t, env.authorize(t, testutil.TestUserID))
	other := env.exchange(t, env.authorize(t, "someone-else"))
	second := env.exchange(t, env.authorize(t, testutil.TestUserID))

	if _, err := env.srv.Token(ctx, refreshRequest(first.RefreshToken)); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("token from the first exchange is still live: %v", err)
	}
	if _, err := env.srv.Authenticate(ctx, second.AccessToken); err != nil {
		t.Errorf("current token rejected: %v", err)
	}
	if _, err := env.srv.Authenticate(ctx, other.AccessToken); err != nil {
		t.Errorf("another user's token was discarded: %v", err)
	}
}

func TestServer_Token_ConcurrentCodeExchange(t *testing.T) {
	env := setupTestServer(t)
	code := env.authorize(t, testutil.TestUserID)

	const workers = 10
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
			_, err := env.srv.Token(context.Background(), codeRequest(code))
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, ErrInvalidGrant):
				t.Errorf("Token() unexpected error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("%d concurrent exchanges succeeded, want exactly 1", got)
	}
}

func TestServer_Token_ConcurrentRefresh(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	resp := env.exchange(t, env.authorize(t, testutil.TestUserID))

	const workers = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
		winner    atomic.Value
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := env.srv.Token(ctx, refreshRequest(resp.RefreshToken))
			switch {
			case err == nil:
				successes.Add(1)
				winner.Store(got.RefreshToken)
			case !errors.Is(err, ErrInvalidGrant):
				t.Errorf("Token() unexpected error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("%d concurrent refreshes succeeded, want exactly 1", got)
	}
	if _, err := env.srv.Token(ctx, refreshRequest(winner.Load().(string))); err != nil {
		t.Errorf("winning refresh token is not live: %v", err)
	}
}

func TestServer_Revoke(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	resp := env.exchange(t, env.authorize(t, testutil.TestUserID))

	testutil.AssertNoError(t, env.srv.Revoke(ctx, testutil.TestClientID, testutil.TestUserID, "192.0.2.1"))

	if _, err := env.srv.Token(ctx, refreshRequest(resp.RefreshToken)); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("refresh after revoke error = %v, want ErrInvalidGrant", err)
	}
	if _, err := env.srv.Authenticate(ctx, resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access after revoke error = %v, want ErrInvalidToken", err)
	}

	// Revoking again is not an error.
	testutil.AssertNoError(t, env.srv.Revoke(ctx, testutil.TestClientID, testutil.TestUserID, ""))

	if err := env.srv.Revoke(ctx, "nope", testutil.TestUserID, ""); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("Revoke(unknown client) error = %v, want ErrInvalidClient", err)
	}
	if err := env.srv.Revoke(ctx, testutil.TestClientID, "", ""); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Revoke(no user) error = %v, want ErrAccessDenied", err)
	}
	if err := env.srv.Revoke(ctx, "", testutil.TestUserID, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Revoke(no client) error = %v, want ErrInvalidRequest", err)
	}
}

func TestServer_Authenticate(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	resp := env.exchange(t, env.authorize(t, testutil.TestUserID))

	tests := []struct {
		name   string
		token  string
		scopes []string
		want   error
	}{
		{"no scopes required", resp.AccessToken, nil, nil},
		{"granted scope", resp.AccessToken, []string{"review"}, nil},
		{"all granted scopes", resp.AccessToken, []string{"review", "vote"}, nil},
		{"missing scope", resp.AccessToken, []string{"user"}, ErrInsufficientScope},
		{"unknown token", "nope", nil, ErrInvalidToken},
		{"empty token", "", nil, ErrInvalidToken},
		{"refresh token is not an access token", resp.RefreshToken, nil, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Authenticate(ctx, tt.token, tt.scopes...)
			if !errors.Is(err, tt.want) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// failingStore fails every grant and token operation with an infrastructure error.
type failingStore struct {
	storage.Store
}

var errStoreDown = errors.New("store unavailable")

func (failingStore) CreateGrant(context.Context, string, string, string, []string, time.Duration) (string, error) {
	return "", errStoreDown
}

func (failingStore) ConsumeGrant(context.Context, string, string) (*storage.Grant, error) {
	return nil, errStoreDown
}

func (failingStore) CreateToken(context.Context, storage.TokenRequest) (*storage.Token, error) {
	return nil, errStoreDown
}

func TestServer_InfrastructureErrors(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	broken := failingStore{Store: env.store}
	srv, err := New(env.store, broken, broken, nil, nil)
	testutil.AssertNoError(t, err)

	_, err = srv.Authorize(ctx, AuthorizeRequest{ValidateRequest: validRequest(), UserID: testutil.TestUserID})
	if !errors.Is(err, errStoreDown) || ErrorCode(err) != ErrorCodeServerError {
		t.Errorf("Authorize() error = %v (%s), want wrapped store error", err, ErrorCode(err))
	}

	_, err = srv.Token(ctx, codeRequest("whatever"))
	if !errors.Is(err, errStoreDown) || ErrorCode(err) != ErrorCodeServerError {
		t.Errorf("Token() error = %v (%s), want wrapped store error", err, ErrorCode(err))
	}
}
