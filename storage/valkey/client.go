package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/authkit-io/oauth-server/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient persists a registered client. Clients have no TTL; they live
// until deleted. Client IDs are generated, so an existing key means a
// duplicate registration attempt, not an update.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Nx().Build(),
	).Error(); err != nil {
		// SET NX replies nil when the key already holds a client
		if isNilError(err) {
			return storage.ErrClientExists
		}
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	key := s.clientKey(clientID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return fromClientJSON(&j), nil
}

// ValidateClientSecret checks a client secret against the stored bcrypt hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if client.ClientSecretHash == "" {
		return storage.ErrInvalidClientSecret
	}

	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// ListClients lists all registered clients using SCAN to avoid blocking the
// server on large keyspaces.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")
	var clients []*storage.Client

	var cursor uint64
	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range entry.Elements {
			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return nil, fmt.Errorf("failed to get client: %w", err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Skipping malformed client record", "key", key)
				continue
			}
			clients = append(clients, fromClientJSON(&j))
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	return clients, nil
}

// CheckIPLimit returns an error when an IP has reached its registration quota
func (s *Store) CheckIPLimit(ctx context.Context, clientIP string, maxClients int) error {
	if maxClients <= 0 {
		return nil
	}

	key := s.clientIPKey(clientIP)
	count, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsInt64()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to check IP limit: %w", err)
	}

	if count >= int64(maxClients) {
		s.logger.Warn("Client registration limit reached",
			"ip", clientIP,
			"current_count", count,
			"max_allowed", maxClients)
		// Generic message; do not reveal the current count to the caller
		return fmt.Errorf("client registration limit reached for IP")
	}

	return nil
}

// TrackClientIP counts a registration against an IP. The count resets after
// clientIPTrackingTTL.
func (s *Store) TrackClientIP(ip string) {
	ctx := context.Background()
	key := s.clientIPKey(ip)

	if _, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64(); err != nil {
		s.logger.Warn("Failed to track client IP", "ip", ip, "error", err)
		return
	}

	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(key).Seconds(int64(clientIPTrackingTTL.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on client IP tracking key",
			"ip", ip,
			"error", err)
	}
}
