package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/critiquebrainz/cbauth/storage"
)

const clientColumns = "client_id, client_secret_hash, redirect_uri, name, description, website, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var (
		c         storage.Client
		createdAt int64
	)
	if err := row.Scan(&c.ClientID, &c.ClientSecretHash, &c.RedirectURI, &c.Name, &c.Description, &c.Website, &createdAt); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.start(ctx, "get_client")
	defer done(&err)

	row := s.db.QueryRowContext(ctx, "SELECT "+clientColumns+" FROM oauth_client WHERE client_id = ?", clientID)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return client, nil
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
	ctx, done := s.start(ctx, "save_client")
	defer done(&err)

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()()
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM oauth_client WHERE client_id = ?", client.ClientID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO oauth_client ("+clientColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			client.ClientID, client.ClientSecretHash, client.RedirectURI,
			client.Name, client.Description, client.Website, toMillis(createdAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}

	s.getLogger().Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// ListClients lists all registered clients ordered by client ID
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.start(ctx, "list_clients")
	defer done(&err)

	rows, err := s.db.QueryContext(ctx, "SELECT "+clientColumns+" FROM oauth_client ORDER BY client_id")
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}
