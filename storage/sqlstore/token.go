package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/critiquebrainz/cbauth/internal/util"
	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/storage"
)

const tokenColumns = "access_token, refresh_token, client_id, user_id, scope, created_at, expires_at"

func scanToken(row rowScanner) (*storage.Token, error) {
	var (
		t                    storage.Token
		scope                string
		createdAt, expiresAt int64
	)
	if err := row.Scan(&t.AccessToken, &t.RefreshToken, &t.ClientID, &t.UserID, &scope, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	t.Scope = scopeFromColumn(scope)
	t.CreatedAt = fromMillis(createdAt)
	t.ExpiresAt = fromMillis(expiresAt)
	return &t, nil
}

// CreateToken mints a token pair and replaces the pair's previous token in
// one transaction.
func (s *Store) CreateToken(ctx context.Context, req storage.TokenRequest) (_ *storage.Token, err error) {
	ctx, done := s.start(ctx, "create_token")
	defer done(&err)

	if err = req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock()()
	token := &storage.Token{
		AccessToken:  storage.GenerateToken(),
		RefreshToken: storage.GenerateToken(),
		ClientID:     req.ClientID,
		UserID:       req.UserID,
		Scope:        append([]string(nil), req.Scope...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(req.TTL),
	}

	replaced := false
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if req.PreviousRefreshToken != "" {
			var current string
			err := tx.QueryRowContext(ctx,
				"SELECT refresh_token FROM oauth_token WHERE client_id = ? AND user_id = ?"+s.dialect.lockSuffix,
				req.ClientID, req.UserID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && current != req.PreviousRefreshToken) {
				return storage.ErrTokenNotFound
			}
			if err != nil {
				return fmt.Errorf("get current token: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM oauth_token WHERE client_id = ? AND user_id = ?", req.ClientID, req.UserID)
		if err != nil {
			return fmt.Errorf("delete previous token: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			replaced = true
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO oauth_token ("+tokenColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			token.AccessToken, token.RefreshToken, token.ClientID, token.UserID,
			scopeToColumn(token.Scope), toMillis(token.CreatedAt), toMillis(token.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.getLogger().Debug("Created token",
		"client_id", req.ClientID,
		"replaced", replaced,
		"access_token_prefix", util.Redact(token.AccessToken))
	return token, nil
}

// GetTokenByRefresh looks a token up by refresh token. Access expiry is not checked.
func (s *Store) GetTokenByRefresh(ctx context.Context, clientID, refreshToken string) (_ *storage.Token, err error) {
	ctx, done := s.start(ctx, "get_token_by_refresh")
	defer done(&err)

	row := s.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM oauth_token WHERE client_id = ? AND refresh_token = ?",
		clientID, refreshToken)
	token, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token by refresh: %w", err)
	}
	return token, nil
}

// GetTokenByAccess looks up a token whose access token has not expired
func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (_ *storage.Token, err error) {
	ctx, done := s.start(ctx, "get_token_by_access")
	defer done(&err)

	row := s.db.QueryRowContext(ctx, "SELECT "+tokenColumns+" FROM oauth_token WHERE access_token = ?", accessToken)
	token, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token by access: %w", err)
	}
	if security.IsExpired(token.ExpiresAt, s.clock()()) {
		return nil, storage.ErrTokenNotFound
	}
	return token, nil
}

// DiscardTokens deletes the token of the (client, user) pair, if any
func (s *Store) DiscardTokens(ctx context.Context, clientID, userID string) (err error) {
	ctx, done := s.start(ctx, "discard_tokens")
	defer done(&err)

	if _, err = s.db.ExecContext(ctx, "DELETE FROM oauth_token WHERE client_id = ? AND user_id = ?", clientID, userID); err != nil {
		return fmt.Errorf("discard tokens: %w", err)
	}
	return nil
}
