package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/authkit-io/oauth-server/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode persists an issued authorization code with a TTL
// matching its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	record := fromAuthorizationCodeJSON(&j)

	// TTL should have removed it already; double-check for safety
	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}

	return record, nil
}

// ConsumeAuthorizationCode atomically checks that a code is unconsumed and
// marks it consumed via Lua script: only ONE concurrent request can succeed.
//
// The stored record is returned alongside ErrCodeConsumed on replay so the
// caller can run reuse detection. For other failures nil is returned to
// prevent information leakage.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix()), fmt.Sprintf("%d", int64(s.clockSkewGrace.Seconds()))).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consumption: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrCodeExpired
	case strings.HasPrefix(result, "CONSUMED:"):
		codeData := strings.TrimPrefix(result, "CONSUMED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(codeData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse consumed code", storage.ErrCodeConsumed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeConsumed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))

	record := fromAuthorizationCodeJSON(&j)
	record.Consumed = true
	return record, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	key := s.codeKey(code)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}
