package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/critiquebrainz/cbauth/internal/util"
	"github.com/critiquebrainz/cbauth/storage"
)

// luaConsumeGrant atomically fetches and deletes a grant.
//
// KEYS[1] = grant key
// ARGV[1] = client ID the grant must belong to
// ARGV[2] = current time in Unix milliseconds
//
// Returns:
//   - the grant JSON on success (the key is deleted)
//   - "NOT_FOUND" if the key is missing or belongs to another client (nothing is deleted)
//   - "EXPIRED" if the grant has expired (the key is deleted)
const luaConsumeGrant = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local grant = cjson.decode(data)
if grant.client_id ~= ARGV[1] then
    return 'NOT_FOUND'
end

redis.call('DEL', KEYS[1])

if tonumber(ARGV[2]) >= tonumber(grant.expires_at) then
    return 'EXPIRED'
end

return data
`

// luaDiscardGrant deletes a grant only when it belongs to the given client.
//
// KEYS[1] = grant key
// ARGV[1] = client ID
//
// Returns 1 if the grant was deleted, 0 otherwise.
const luaDiscardGrant = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local grant = cjson.decode(data)
if grant.client_id ~= ARGV[1] then
    return 0
end

return redis.call('DEL', KEYS[1])
`

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateGrant stores a new authorization grant and returns its code.
// The key expires in Valkey once the grant is past its grace period.
func (s *Store) CreateGrant(ctx context.Context, clientID, userID, redirectURI string, scope []string, ttl time.Duration) (_ string, err error) {
	ctx, done := s.start(ctx, "create_grant")
	defer done(&err)

	if err = storage.ValidateGrantArgs(clientID, userID, redirectURI, ttl); err != nil {
		return "", err
	}

	now := s.now()
	grant := &storage.Grant{
		Code:        storage.GenerateToken(),
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scope:       append([]string(nil), scope...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	data, err := json.Marshal(toGrantJSON(grant))
	if err != nil {
		return "", fmt.Errorf("failed to marshal grant: %w", err)
	}

	// NX: a colliding code is not silently overwritten.
	err = s.client.Do(ctx, s.client.B().Set().Key(s.grantKey(grant.Code)).Value(string(data)).
		Nx().Px(ttl+s.gracePeriod).Build()).Error()
	if isNilError(err) {
		return "", fmt.Errorf("grant code collision")
	}
	if err != nil {
		return "", fmt.Errorf("failed to save grant: %w", err)
	}

	s.getLogger().Debug("Created grant",
		"client_id", clientID,
		"code_prefix", util.Redact(grant.Code))
	return grant.Code, nil
}

// ConsumeGrant atomically fetches and deletes the grant.
// SECURITY: the check and the delete run in one Lua script, so exactly one
// concurrent caller can redeem a code.
func (s *Store) ConsumeGrant(ctx context.Context, clientID, code string) (_ *storage.Grant, err error) {
	ctx, done := s.start(ctx, "consume_grant")
	defer done(&err)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeGrant).
			Numkeys(1).
			Key(s.grantKey(code)).
			Arg(clientID, s.nowMillis()).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic grant consume: %w", err)
	}

	switch result {
	case "NOT_FOUND", "EXPIRED":
		return nil, storage.ErrGrantNotFound
	}

	var j grantJSON
	if err = json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse grant: %w", err)
	}

	s.getLogger().Debug("Consumed grant",
		"client_id", clientID,
		"code_prefix", util.Redact(code))
	return fromGrantJSON(&j), nil
}

// DiscardGrant deletes the grant if it belongs to clientID
func (s *Store) DiscardGrant(ctx context.Context, clientID, code string) (err error) {
	ctx, done := s.start(ctx, "discard_grant")
	defer done(&err)

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaDiscardGrant).
			Numkeys(1).
			Key(s.grantKey(code)).
			Arg(clientID).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to discard grant: %w", err)
	}
	return nil
}
