package token

import "errors"

var (
	// ErrMint indicates token signing failed
	ErrMint = errors.New("failed to mint token")

	// ErrInvalidToken indicates the token failed signature or claim validation
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken indicates the token has expired
	ErrExpiredToken = errors.New("token expired")

	// ErrKeyTooShort indicates the signing key does not carry enough entropy
	ErrKeyTooShort = errors.New("signing key must be at least 32 bytes")
)
