package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/critiquebrainz/cbauth/internal/util"
	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/storage"
)

const grantColumns = "code, client_id, user_id, redirect_uri, scope, created_at, expires_at"

func scanGrant(row rowScanner) (*storage.Grant, error) {
	var (
		g                    storage.Grant
		scope                string
		createdAt, expiresAt int64
	)
	if err := row.Scan(&g.Code, &g.ClientID, &g.UserID, &g.RedirectURI, &scope, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	g.Scope = scopeFromColumn(scope)
	g.CreatedAt = fromMillis(createdAt)
	g.ExpiresAt = fromMillis(expiresAt)
	return &g, nil
}

// CreateGrant stores a new authorization grant and returns its code
func (s *Store) CreateGrant(ctx context.Context, clientID, userID, redirectURI string, scope []string, ttl time.Duration) (_ string, err error) {
	ctx, done := s.start(ctx, "create_grant")
	defer done(&err)

	if err = storage.ValidateGrantArgs(clientID, userID, redirectURI, ttl); err != nil {
		return "", err
	}

	now := s.clock()()
	code := storage.GenerateToken()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO oauth_grant ("+grantColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		code, clientID, userID, redirectURI, scopeToColumn(scope), toMillis(now), toMillis(now.Add(ttl)))
	if err != nil {
		return "", fmt.Errorf("create grant: %w", err)
	}

	s.getLogger().Debug("Created grant",
		"client_id", clientID,
		"code_prefix", util.Redact(code))
	return code, nil
}

// ConsumeGrant atomically fetches and deletes the grant.
// SECURITY: the row is deleted in the same transaction that read it and the
// delete must affect exactly one row, so only one concurrent caller wins.
func (s *Store) ConsumeGrant(ctx context.Context, clientID, code string) (_ *storage.Grant, err error) {
	ctx, done := s.start(ctx, "consume_grant")
	defer done(&err)

	var grant *storage.Grant
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+grantColumns+" FROM oauth_grant WHERE code = ? AND client_id = ?"+s.dialect.lockSuffix,
			code, clientID)
		g, err := scanGrant(row)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrGrantNotFound
		}
		if err != nil {
			return fmt.Errorf("get grant: %w", err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM oauth_grant WHERE code = ? AND client_id = ?", code, clientID)
		if err != nil {
			return fmt.Errorf("delete grant: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("delete grant: %w", err)
		} else if n != 1 {
			return storage.ErrGrantNotFound
		}
		grant = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	if security.IsExpired(grant.ExpiresAt, s.clock()()) {
		return nil, storage.ErrGrantNotFound
	}

	s.getLogger().Debug("Consumed grant",
		"client_id", clientID,
		"code_prefix", util.Redact(code))
	return grant, nil
}

// DiscardGrant deletes the grant if it belongs to clientID
func (s *Store) DiscardGrant(ctx context.Context, clientID, code string) (err error) {
	ctx, done := s.start(ctx, "discard_grant")
	defer done(&err)

	if _, err = s.db.ExecContext(ctx, "DELETE FROM oauth_grant WHERE code = ? AND client_id = ?", code, clientID); err != nil {
		return fmt.Errorf("discard grant: %w", err)
	}
	return nil
}
