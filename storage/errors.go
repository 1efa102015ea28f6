package storage

import "errors"

// Typed errors returned by storage implementations. Callers use errors.Is
// to distinguish not-found from consumed/expired states; all of them are
// collapsed into generic OAuth errors before leaving the core.
var (
	// ErrClientNotFound indicates the client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates the presented secret does not match
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrClientExists indicates a client with the same ID is already registered
	ErrClientExists = errors.New("client already exists")

	// ErrCodeNotFound indicates the authorization code does not exist
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeConsumed indicates the authorization code was already exchanged
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrCodeExpired indicates the authorization code is past its TTL
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrTokenNotFound indicates the refresh or personal token does not exist
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token is past its TTL
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates the token was revoked
	ErrTokenRevoked = errors.New("token revoked")

	// ErrFamilyNotFound indicates no family metadata exists for a refresh token
	ErrFamilyNotFound = errors.New("refresh token family not found")

	// ErrFamilyRevoked indicates the whole token family was revoked after
	// reuse detection
	ErrFamilyRevoked = errors.New("refresh token family revoked")
)
