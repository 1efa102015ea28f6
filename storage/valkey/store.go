package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authkit-io/oauth-server/internal/util"
	"github.com/authkit-io/oauth-server/security"
	"github.com/authkit-io/oauth-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// DefaultFamilyRetention is the default retention period for revoked
	// token family metadata, kept for security forensics
	DefaultFamilyRetention = 90 * 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// clientIPTrackingTTL is how long registration counts per IP are kept
	clientIPTrackingTTL = 24 * time.Hour
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// FamilyRetention is the retention period for revoked token family
	// metadata. Default: 90 days
	FamilyRetention time.Duration

	// ClockSkewGrace is the grace period applied to expiry checks in the
	// atomic consume and rotate scripts. Default: 5 seconds
	ClockSkewGrace time.Duration
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements ClientStore, FlowStore, TokenStore, and PersonalTokenStore.
type Store struct {
	client          valkeygo.Client
	prefix          string
	logger          *slog.Logger
	familyRetention time.Duration
	clockSkewGrace  time.Duration
}

// Compile-time interface checks
var (
	_ storage.ClientStore        = (*Store)(nil)
	_ storage.FlowStore          = (*Store)(nil)
	_ storage.TokenStore         = (*Store)(nil)
	_ storage.PersonalTokenStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.FamilyRetention
	if retention <= 0 {
		retention = DefaultFamilyRetention
	}

	grace := cfg.ClockSkewGrace
	if grace <= 0 {
		grace = security.DefaultClockSkewGracePeriod
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:          client,
		prefix:          prefix,
		logger:          logger,
		familyRetention: retention,
		clockSkewGrace:  grace,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) clientIPKey(ip string) string {
	return s.prefix + "client_ip:" + ip
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) accessTokenKey(jti string) string {
	return s.prefix + "access:" + jti
}

func (s *Store) refreshTokenKey(jti string) string {
	return s.prefix + "refresh:" + jti
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

func (s *Store) jtiFamilyKey(jti string) string {
	return s.prefix + "jti_family:" + jti
}

func (s *Store) familyMembersKey(familyID string) string {
	return s.prefix + "family_members:" + familyID
}

func (s *Store) revokedKey(jti string) string {
	return s.prefix + "revoked:" + jti
}

func (s *Store) userClientKey(userID, clientID string) string {
	return s.prefix + "user_client:" + userID + ":" + clientID
}

func (s *Store) personalTokenKey(id string) string {
	return s.prefix + "pat:" + id
}

func (s *Store) personalDigestKey(digest string) string {
	return s.prefix + "pat_digest:" + digest
}

func (s *Store) personalUserKey(userID string) string {
	return s.prefix + "pat_user:" + userID
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// OAuth 2.1 requires code consumption and refresh rotation to be atomic.
// Lua scripts execute as one unit on the Valkey server, so the check and
// the state change cannot interleave with a concurrent request.

// luaConsumeAuthorizationCode atomically checks that an authorization code
// is unconsumed and marks it consumed.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = clock-skew grace period in seconds
//
// Returns:
//   - the original JSON data if the code was unconsumed and is now consumed
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if the code has expired
//   - "CONSUMED:<json>" if the code was already consumed (data returned for
//     reuse detection)
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2]) or 0
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt + grace then
    return 'EXPIRED'
end

if code.consumed then
    return 'CONSUMED:' .. data
end

code.consumed = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaRotateRefreshToken atomically retrieves and deletes a refresh token
// record by jti. The jti-to-family mapping key is NOT deleted so a replay of
// the rotated token can still be traced back to its family.
//
// KEYS[1] = refresh token key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = clock-skew grace period in seconds
//
// Returns:
//   - the record JSON on success (record is deleted)
//   - "NOT_FOUND" if the key does not exist (possibly already rotated)
//   - "EXPIRED" if the token has expired
//   - "REVOKED" if the record is marked revoked
const luaRotateRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)

if token.revoked then
    return 'REVOKED'
end

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2]) or 0
local expiresAt = tonumber(token.expires_at)
if expiresAt and now > expiresAt + grace then
    redis.call('DEL', KEYS[1])
    return 'EXPIRED'
end

redis.call('DEL', KEYS[1])

return data
`

// ============================================================
// Shared Helpers
// ============================================================

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate returns at most n leading characters of a string
func safeTruncate(v string, n int) string {
	return util.SafeTruncate(v, n)
}

// calculateTTL returns the remaining lifetime for a key, zero when already past
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}
