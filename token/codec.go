// Package token implements the bearer token codec: minting and validating
// HMAC-signed JWT access and refresh tokens. The signing key is explicit,
// injected key material; there is no package-level state, so tests can use
// distinct keys per case without interference.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token type claim values
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// minKeyLength is the minimum HMAC key size in bytes (HS256 block input)
const minKeyLength = 32

// Claims are the signed claims carried by every token minted by the codec.
// Subject is the resource owner's user ID, or the client ID for
// client-credentials tokens. ID (jti) is the revocation lookup key.
type Claims struct {
	jwt.RegisteredClaims
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"typ"`
}

// UserID returns the resource-owner subject, empty for tokens whose subject
// is the client itself (client-credentials grant).
func (c *Claims) UserID() string {
	if c.Subject == c.ClientID {
		return ""
	}
	return c.Subject
}

// Codec mints and validates signed bearer tokens using a server-held
// symmetric key (HMAC-SHA256).
type Codec struct {
	key    []byte
	issuer string
	leeway time.Duration
}

// NewCodec creates a codec from explicit key material. The key must carry
// at least 256 bits.
func NewCodec(key []byte, issuer string) (*Codec, error) {
	if len(key) < minKeyLength {
		return nil, ErrKeyTooShort
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k, issuer: issuer}, nil
}

// SetLeeway sets the clock-skew leeway applied when validating expiry and
// issued-at claims. Zero means exact comparison.
func (c *Codec) SetLeeway(leeway time.Duration) {
	if leeway > 0 {
		c.leeway = leeway
	}
}

// MintAccess mints a signed access token. subject is the user ID, or the
// client ID for client-credentials tokens.
func (c *Codec) MintAccess(subject, clientID, scope string, ttl time.Duration) (string, *Claims, error) {
	return c.mint(subject, clientID, scope, TypeAccess, ttl)
}

// MintRefresh mints a signed refresh token.
func (c *Codec) MintRefresh(subject, clientID, scope string, ttl time.Duration) (string, *Claims, error) {
	return c.mint(subject, clientID, scope, TypeRefresh, ttl)
}

func (c *Codec) mint(subject, clientID, scope, tokenType string, ttl time.Duration) (string, *Claims, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		ClientID:  clientID,
		Scope:     scope,
		TokenType: tokenType,
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMint, err)
	}
	return raw, claims, nil
}

// Decode verifies a token's signature, expiry, and issuer and returns its
// claims. Revocation state lives in storage and is checked by the caller;
// a revoked token must be reported to clients exactly like a forged one.
func (c *Codec) Decode(raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.key, nil
	}, jwt.WithIssuer(c.issuer), jwt.WithIssuedAt(), jwt.WithLeeway(c.leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	if claims.TokenType != TypeAccess && claims.TokenType != TypeRefresh {
		return nil, fmt.Errorf("%w: unknown token type %q", ErrInvalidToken, claims.TokenType)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	return claims, nil
}
