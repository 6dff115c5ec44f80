package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/critiquebrainz/cbauth/internal/util"
	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/storage"
)

// luaReplaceToken atomically replaces the token of a (client, user) pair.
//
// KEYS[1] = token key of the pair
// KEYS[2] = access index key of the new token
// KEYS[3] = refresh index key of the new token
// ARGV[1] = new token JSON
// ARGV[2] = previous refresh token, or "" for an unconditional replace
// ARGV[3] = key prefix, used to delete the old token's index keys
// ARGV[4] = access token TTL in milliseconds
// ARGV[5] = token key value stored in both indexes
//
// Returns:
//   - "REPLACED" or "CREATED" on success
//   - "CONFLICT" if ARGV[2] is set and does not match the live refresh token
const luaReplaceToken = `
local current = redis.call('GET', KEYS[1])
local previous = ARGV[2]

if current then
    local old = cjson.decode(current)
    if previous ~= '' and old.refresh_token ~= previous then
        return 'CONFLICT'
    end
    redis.call('DEL', ARGV[3] .. 'access:' .. old.access_token, ARGV[3] .. 'refresh:' .. old.refresh_token)
elseif previous ~= '' then
    return 'CONFLICT'
end

redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[5], 'PX', ARGV[4])
redis.call('SET', KEYS[3], ARGV[5])

if current then
    return 'REPLACED'
end
return 'CREATED'
`

// luaDiscardToken deletes the token of a pair and both of its index keys.
//
// KEYS[1] = token key of the pair
// ARGV[1] = key prefix
//
// Returns 1 if a token was deleted, 0 otherwise.
const luaDiscardToken = `
local current = redis.call('GET', KEYS[1])
if not current then
    return 0
end

local old = cjson.decode(current)
redis.call('DEL', KEYS[1], ARGV[1] .. 'access:' .. old.access_token, ARGV[1] .. 'refresh:' .. old.refresh_token)
return 1
`

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateToken mints a token pair and replaces the pair's previous token in
// one Lua script.
func (s *Store) CreateToken(ctx context.Context, req storage.TokenRequest) (_ *storage.Token, err error) {
	ctx, done := s.start(ctx, "create_token")
	defer done(&err)

	if err = req.Validate(); err != nil {
		return nil, err
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

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token: %w", err)
	}

	pairKey := s.tokenKey(req.ClientID, req.UserID)
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReplaceToken).
			Numkeys(3).
			Key(pairKey, s.accessKey(token.AccessToken), s.refreshKey(token.RefreshToken)).
			Arg(string(data), req.PreviousRefreshToken, s.prefix,
				strconv.FormatInt(req.TTL.Milliseconds()+s.gracePeriod.Milliseconds(), 10), pairKey).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic token replace: %w", err)
	}
	if result == "CONFLICT" {
		return nil, storage.ErrTokenNotFound
	}

	s.getLogger().Debug("Created token",
		"client_id", req.ClientID,
		"replaced", result == "REPLACED",
		"access_token_prefix", util.Redact(token.AccessToken))
	return token, nil
}

// GetTokenByRefresh looks a token up by refresh token. Access expiry is not checked.
func (s *Store) GetTokenByRefresh(ctx context.Context, clientID, refreshToken string) (_ *storage.Token, err error) {
	ctx, done := s.start(ctx, "get_token_by_refresh")
	defer done(&err)

	token, err := s.lookup(ctx, s.refreshKey(refreshToken))
	if err != nil {
		return nil, err
	}
	if token.ClientID != clientID || token.RefreshToken != refreshToken {
		return nil, storage.ErrTokenNotFound
	}
	return token, nil
}

// GetTokenByAccess looks up a token whose access token has not expired
func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (_ *storage.Token, err error) {
	ctx, done := s.start(ctx, "get_token_by_access")
	defer done(&err)

	token, err := s.lookup(ctx, s.accessKey(accessToken))
	if err != nil {
		return nil, err
	}
	if token.AccessToken != accessToken || security.IsExpired(token.ExpiresAt, s.now()) {
		return nil, storage.ErrTokenNotFound
	}
	return token, nil
}

// lookup resolves an index key to the token it points at. The token is read
// again after the index, so a concurrent replace is seen as a mismatch by the
// caller rather than as a stale token.
func (s *Store) lookup(ctx context.Context, indexKey string) (*storage.Token, error) {
	pairKey, err := s.client.Do(ctx, s.client.B().Get().Key(indexKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to read token index: %w", err)
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(pairKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return fromTokenJSON(&j), nil
}

// DiscardTokens deletes the token of the (client, user) pair, if any
func (s *Store) DiscardTokens(ctx context.Context, clientID, userID string) (err error) {
	ctx, done := s.start(ctx, "discard_tokens")
	defer done(&err)

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaDiscardToken).
			Numkeys(1).
			Key(s.tokenKey(clientID, userID)).
			Arg(s.prefix).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to discard tokens: %w", err)
	}
	return nil
}
