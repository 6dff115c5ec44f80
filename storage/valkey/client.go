package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/critiquebrainz/cbauth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.start(ctx, "save_client")
	defer done(&err)

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	stored := client.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	data, err := json.Marshal(toClientJSON(stored))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if err = s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(stored.ClientID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.getLogger().Debug("Saved client", "client_id", stored.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.start(ctx, "get_client")
	defer done(&err)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err = json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
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

// ListClients lists all registered clients ordered by client ID.
// Uses SCAN so large registries do not block the server.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.start(ctx, "list_clients")
	defer done(&err)

	pattern := s.clientKey("*")
	var clients []*storage.Client

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // Key may have been deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.getLogger().Warn("Failed to unmarshal client, skipping", "key", key, "error", err)
				continue
			}
			clients = append(clients, fromClientJSON(&j))
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}
