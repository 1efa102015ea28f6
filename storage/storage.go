package storage

import (
	"context"
	"time"
)

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret checks a confidential client's secret against the
	// stored hash. Returns ErrInvalidClientSecret on mismatch.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit returns an error when an IP has already registered
	// maxClients clients. Used to throttle dynamic registration.
	CheckIPLimit(ctx context.Context, clientIP string, maxClients int) error
}

// FlowStore manages issued authorization codes.
type FlowStore interface {
	// SaveAuthorizationCode persists an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks that a code is unconsumed
	// and marks it consumed. Exactly one concurrent caller succeeds; the
	// losers get ErrCodeConsumed together with the stored record so the
	// caller can run reuse detection. Expired codes return ErrCodeExpired.
	//
	// SECURITY: this MUST be a compare-and-set at the storage layer, not a
	// read-then-write, because two token requests can race for the same code.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages issued tokens, refresh token families, and revocation
// state. Tokens are tracked by their jti claim; the signed token string
// itself is never persisted.
type TokenStore interface {
	// SaveAccessToken records metadata for an issued access token so it can
	// be revoked by jti or in bulk by user+client.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves access token metadata by jti
	GetAccessToken(ctx context.Context, jti string) (*AccessToken, error)

	// SaveRefreshToken records an issued refresh token with family tracking
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves refresh token metadata by jti
	GetRefreshToken(ctx context.Context, jti string) (*RefreshToken, error)

	// RotateRefreshToken atomically retrieves and deletes a refresh token by
	// jti. Only one concurrent caller succeeds; after the winner, the token
	// is gone and later callers get ErrTokenNotFound. Family metadata is
	// deliberately retained so that replay of the rotated token can be
	// detected.
	//
	// SECURITY: this MUST be atomic to prevent concurrent refresh attacks.
	RotateRefreshToken(ctx context.Context, jti string) (*RefreshToken, error)

	// GetRefreshTokenFamily retrieves family metadata for a refresh token jti,
	// including jtis that were already rotated away.
	GetRefreshTokenFamily(ctx context.Context, jti string) (*RefreshTokenFamily, error)

	// RevokeRefreshTokenFamily revokes every token descended from one grant
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) error

	// RevokeJTI adds a token id to the revocation list until expiresAt.
	// Idempotent: revoking an already-revoked jti succeeds.
	RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error

	// IsJTIRevoked reports whether a token id has been revoked. Revocation
	// must be visible to all subsequent calls system-wide.
	IsJTIRevoked(ctx context.Context, jti string) (bool, error)

	// RevokeAllForUserClient revokes every live token (access + refresh) for
	// a user+client pair. Called when code or refresh token reuse is
	// detected. Returns the number of tokens revoked.
	RevokeAllForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// PersonalTokenStore manages long-lived personal access tokens issued
// outside the grant flows. Tokens are looked up by the SHA-256 digest of
// the presented secret, never by the secret itself.
type PersonalTokenStore interface {
	// SavePersonalToken persists a personal access token record
	SavePersonalToken(ctx context.Context, token *PersonalAccessToken) error

	// GetPersonalTokenByDigest retrieves a personal token by secret digest
	GetPersonalTokenByDigest(ctx context.Context, digest string) (*PersonalAccessToken, error)

	// RevokePersonalToken revokes a personal token by ID. Idempotent.
	RevokePersonalToken(ctx context.Context, id string) error

	// ListPersonalTokens lists a user's personal tokens
	ListPersonalTokens(ctx context.Context, userID string) ([]*PersonalAccessToken, error)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	Scopes                  []string
	ClientName              string
	CreatedAt               time.Time
}

// Confidential reports whether the client holds a secret and can
// authenticate itself at the token endpoint.
func (c *Client) Confidential() bool {
	return c.ClientSecretHash != ""
}

// AuthorizationCode represents an issued authorization code. Consumption
// and expiry are both terminal states, never reversed.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string // exact value presented at issuance
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string // "plain" or "S256"
	UserID              string
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// AccessToken is the stored metadata for an issued access token, keyed by
// the token's jti claim.
type AccessToken struct {
	JTI       string
	ClientID  string
	UserID    string // empty for client-credentials tokens
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// RefreshToken is the stored metadata for an issued refresh token, keyed by
// jti. FamilyID is shared across every token descended from one original
// grant and drives reuse detection.
type RefreshToken struct {
	JTI           string
	AccessTokenID string // jti of the access token issued alongside
	ClientID      string
	UserID        string
	Scope         string
	FamilyID      string
	Generation    int
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
}

// RefreshTokenFamily is the lineage metadata retained after rotation so
// replay of an old token can be detected and the whole family revoked.
type RefreshTokenFamily struct {
	FamilyID   string
	UserID     string
	ClientID   string
	Generation int
	IssuedAt   time.Time
	Revoked    bool
	RevokedAt  time.Time
}

// PersonalAccessToken is a long-lived token tied directly to a user with a
// fixed scope set and independent expiry/revocation state.
type PersonalAccessToken struct {
	ID           string
	UserID       string
	Name         string
	SecretDigest string // SHA-256 hex digest of the token secret
	Scope        string
	CreatedAt    time.Time
	ExpiresAt    time.Time // zero means no expiry
	LastUsedAt   time.Time
	Revoked      bool
}
