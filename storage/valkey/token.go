package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/authkit-io/oauth-server/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken records metadata for an issued access token with a TTL
// matching the token's expiry.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.JTI == "" {
		return fmt.Errorf("access token jti is required")
	}

	data, err := json.Marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	key := s.accessTokenKey(token.JTI)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.indexUserClientToken(ctx, token.UserID, token.ClientID, token.JTI)
	return nil
}

// GetAccessToken retrieves access token metadata by jti
func (s *Store) GetAccessToken(ctx context.Context, jti string) (*storage.AccessToken, error) {
	key := s.accessTokenKey(jti)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var j accessTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}

	return fromAccessTokenJSON(&j), nil
}

// SaveRefreshToken records an issued refresh token and its family lineage.
// The jti-to-family mapping outlives the token itself by the forensic
// retention window, which is what makes replay of a rotated jti traceable.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.JTI == "" {
		return fmt.Errorf("refresh token jti is required")
	}
	if token.FamilyID == "" {
		return fmt.Errorf("refresh token family ID is required")
	}

	// A rotation can race reuse detection: the family may have been
	// revoked between the rotate and this save. The new token must not
	// outlive the revocation sweep.
	if existing, err := s.getFamilyByID(ctx, token.FamilyID); err == nil && existing.Revoked {
		return storage.ErrFamilyRevoked
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}
	retentionTTL := ttl + s.familyRetention

	key := s.refreshTokenKey(token.JTI)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.jtiFamilyKey(token.JTI)).Value(token.FamilyID).Ex(retentionTTL).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save family mapping: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.familyMembersKey(token.FamilyID)).Member(token.JTI).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index family member: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(s.familyMembersKey(token.FamilyID)).Seconds(int64(retentionTTL.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on family members key", "error", err)
	}

	family := &storage.RefreshTokenFamily{
		FamilyID:   token.FamilyID,
		UserID:     token.UserID,
		ClientID:   token.ClientID,
		Generation: token.Generation,
		IssuedAt:   token.IssuedAt,
	}
	if err := s.saveFamily(ctx, family, retentionTTL); err != nil {
		return err
	}

	s.indexUserClientToken(ctx, token.UserID, token.ClientID, token.JTI)

	s.logger.Debug("Saved refresh token",
		"family_id", safeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken retrieves refresh token metadata by jti
func (s *Store) GetRefreshToken(ctx context.Context, jti string) (*storage.RefreshToken, error) {
	key := s.refreshTokenKey(jti)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	return fromRefreshTokenJSON(&j), nil
}

// RotateRefreshToken atomically retrieves and deletes a refresh token via
// Lua script: only ONE concurrent request can succeed. The family mapping
// key survives so a replay of this jti can still be detected.
func (s *Store) RotateRefreshToken(ctx context.Context, jti string) (*storage.RefreshToken, error) {
	key := s.refreshTokenKey(jti)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix()), fmt.Sprintf("%d", int64(s.clockSkewGrace.Seconds()))).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic token rotation: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case "EXPIRED":
		return nil, storage.ErrTokenExpired
	case "REVOKED":
		return nil, storage.ErrTokenRevoked
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}
	record := fromRefreshTokenJSON(&j)

	// The per-record revoked flag can be stale when the family sweep ran
	// after this record was written. The record is already deleted, which
	// is the right terminal state for a revoked-family token.
	if family, err := s.getFamilyByID(ctx, record.FamilyID); err == nil && family.Revoked {
		return nil, storage.ErrTokenRevoked
	}

	s.logger.Debug("Rotated refresh token",
		"jti_prefix", safeTruncate(jti, tokenIDLogLength))

	return record, nil
}

// GetRefreshTokenFamily retrieves family metadata for a refresh token jti,
// including jtis whose token record was already rotated away.
func (s *Store) GetRefreshTokenFamily(ctx context.Context, jti string) (*storage.RefreshTokenFamily, error) {
	familyID, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.jtiFamilyKey(jti)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrFamilyNotFound
		}
		return nil, fmt.Errorf("failed to get family mapping: %w", err)
	}

	return s.getFamilyByID(ctx, familyID)
}

// RevokeRefreshTokenFamily revokes every token descended from one grant.
// Not atomic, but every step is idempotent: a crash mid-revocation leaves
// the family marked revoked, which is the state that matters for replays.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	family, err := s.getFamilyByID(ctx, familyID)
	if err != nil {
		return err
	}
	if family.Revoked {
		return nil
	}

	family.Revoked = true
	family.RevokedAt = time.Now()
	if err := s.saveFamily(ctx, family, s.familyRetention); err != nil {
		return err
	}

	members, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.familyMembersKey(familyID)).Build(),
	).AsStrSlice()
	if err != nil && !isNilError(err) {
		return fmt.Errorf("failed to list family members: %w", err)
	}

	for _, jti := range members {
		record, err := s.GetRefreshToken(ctx, jti)
		if err != nil {
			continue // already rotated or expired
		}
		if err := s.RevokeJTI(ctx, jti, record.ExpiresAt); err != nil {
			s.logger.Warn("Failed to revoke family member", "error", err)
		}
		if record.AccessTokenID != "" {
			if access, err := s.GetAccessToken(ctx, record.AccessTokenID); err == nil {
				if err := s.RevokeJTI(ctx, access.JTI, access.ExpiresAt); err != nil {
					s.logger.Warn("Failed to revoke paired access token", "error", err)
				}
			}
		}
		if err := s.client.Do(ctx,
			s.client.B().Del().Key(s.refreshTokenKey(jti)).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to delete family member", "error", err)
		}
	}

	s.logger.Info("Revoked refresh token family",
		"family_id", safeTruncate(familyID, tokenIDLogLength),
		"members", len(members))
	return nil
}

// RevokeJTI adds a token id to the revocation list until expiresAt. Idempotent.
func (s *Store) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("jti is required")
	}

	ttl := calculateTTL(expiresAt)
	if ttl <= 0 {
		// Already expired; nothing can present it successfully anyway
		return nil
	}

	key := s.revokedKey(jti)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value("1").Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke jti: %w", err)
	}
	return nil
}

// IsJTIRevoked reports whether a token id has been revoked
func (s *Store) IsJTIRevoked(ctx context.Context, jti string) (bool, error) {
	key := s.revokedKey(jti)

	n, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check jti revocation: %w", err)
	}
	return n > 0, nil
}

// RevokeAllForUserClient revokes every live token for a user+client pair
func (s *Store) RevokeAllForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	setKey := s.userClientKey(userID, clientID)

	jtis, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(setKey).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list user tokens: %w", err)
	}

	count := 0
	for _, jti := range jtis {
		if access, err := s.GetAccessToken(ctx, jti); err == nil {
			if err := s.RevokeJTI(ctx, jti, access.ExpiresAt); err == nil {
				count++
			}
			continue
		}
		if refresh, err := s.GetRefreshToken(ctx, jti); err == nil {
			if err := s.RevokeJTI(ctx, jti, refresh.ExpiresAt); err == nil {
				count++
			}
			if family, err := s.getFamilyByID(ctx, refresh.FamilyID); err == nil && !family.Revoked {
				family.Revoked = true
				family.RevokedAt = time.Now()
				if err := s.saveFamily(ctx, family, s.familyRetention); err != nil {
					s.logger.Warn("Failed to mark family revoked", "error", err)
				}
			}
			if err := s.client.Do(ctx,
				s.client.B().Del().Key(s.refreshTokenKey(jti)).Build(),
			).Error(); err != nil {
				s.logger.Warn("Failed to delete refresh token", "error", err)
			}
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(setKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to clear user token index", "error", err)
	}

	s.logger.Info("Revoked all tokens for user+client",
		"user_id", userID,
		"client_id", clientID,
		"count", count)
	return count, nil
}

// ============================================================
// PersonalTokenStore Implementation
// ============================================================

// SavePersonalToken persists a personal access token record
func (s *Store) SavePersonalToken(ctx context.Context, token *storage.PersonalAccessToken) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("personal token ID is required")
	}
	if token.SecretDigest == "" {
		return fmt.Errorf("personal token secret digest is required")
	}

	data, err := json.Marshal(toPersonalAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal personal token: %w", err)
	}

	// Tokens without expiry persist until revoked and cleaned up
	setCmd := s.client.B().Set().Key(s.personalTokenKey(token.ID)).Value(string(data)).Build()
	digestCmd := s.client.B().Set().Key(s.personalDigestKey(token.SecretDigest)).Value(token.ID).Build()
	if !token.ExpiresAt.IsZero() {
		ttl := calculateTTL(token.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("personal token already expired")
		}
		setCmd = s.client.B().Set().Key(s.personalTokenKey(token.ID)).Value(string(data)).Ex(ttl).Build()
		digestCmd = s.client.B().Set().Key(s.personalDigestKey(token.SecretDigest)).Value(token.ID).Ex(ttl).Build()
	}

	if err := s.client.Do(ctx, setCmd).Error(); err != nil {
		return fmt.Errorf("failed to save personal token: %w", err)
	}
	if err := s.client.Do(ctx, digestCmd).Error(); err != nil {
		return fmt.Errorf("failed to save personal token digest: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.personalUserKey(token.UserID)).Member(token.ID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index personal token: %w", err)
	}

	return nil
}

// GetPersonalTokenByDigest retrieves a personal token by its secret digest
func (s *Store) GetPersonalTokenByDigest(ctx context.Context, digest string) (*storage.PersonalAccessToken, error) {
	id, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.personalDigestKey(digest)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to resolve personal token digest: %w", err)
	}

	return s.getPersonalTokenByID(ctx, id)
}

// RevokePersonalToken revokes a personal token by ID. Idempotent; revoking
// an unknown token succeeds.
func (s *Store) RevokePersonalToken(ctx context.Context, id string) error {
	token, err := s.getPersonalTokenByID(ctx, id)
	if err != nil {
		if err == storage.ErrTokenNotFound {
			return nil
		}
		return err
	}
	if token.Revoked {
		return nil
	}

	token.Revoked = true
	data, err := json.Marshal(toPersonalAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal personal token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.personalTokenKey(id)).Value(string(data)).Keepttl().Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke personal token: %w", err)
	}
	return nil
}

// ListPersonalTokens lists a user's personal tokens
func (s *Store) ListPersonalTokens(ctx context.Context, userID string) ([]*storage.PersonalAccessToken, error) {
	ids, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.personalUserKey(userID)).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list personal tokens: %w", err)
	}

	var tokens []*storage.PersonalAccessToken
	for _, id := range ids {
		token, err := s.getPersonalTokenByID(ctx, id)
		if err != nil {
			continue // expired out of the keyspace
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// ============================================================
// Internal helpers
// ============================================================

func (s *Store) getFamilyByID(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.familyKey(familyID)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrFamilyNotFound
		}
		return nil, fmt.Errorf("failed to get family: %w", err)
	}

	var j refreshTokenFamilyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal family: %w", err)
	}
	return fromRefreshTokenFamilyJSON(&j), nil
}

func (s *Store) saveFamily(ctx context.Context, family *storage.RefreshTokenFamily, ttl time.Duration) error {
	data, err := json.Marshal(toRefreshTokenFamilyJSON(family))
	if err != nil {
		return fmt.Errorf("failed to marshal family: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.familyKey(family.FamilyID)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save family: %w", err)
	}
	return nil
}

func (s *Store) getPersonalTokenByID(ctx context.Context, id string) (*storage.PersonalAccessToken, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.personalTokenKey(id)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get personal token: %w", err)
	}

	var j personalAccessTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal personal token: %w", err)
	}
	return fromPersonalAccessTokenJSON(&j), nil
}

// indexUserClientToken adds a jti to the user+client index used for bulk
// revocation. Index entries age out with the forensic retention window.
func (s *Store) indexUserClientToken(ctx context.Context, userID, clientID, jti string) {
	key := s.userClientKey(userID, clientID)

	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(key).Member(jti).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to index token for user+client", "error", err)
		return
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(key).Seconds(int64(s.familyRetention.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on user+client index", "error", err)
	}
}
