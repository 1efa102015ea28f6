package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// validateCodeChallenge checks a code_challenge parameter at authorization
// time, before the code is issued. The verifier is checked later at exchange
// time by validatePKCE.
func (s *Server) validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		return nil
	}

	// An S256 challenge is base64url(sha256) and therefore exactly 43
	// characters; plain challenges mirror verifier length rules.
	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength {
		return fmt.Errorf("code_challenge must be %d-%d characters (RFC 7636)", MinCodeVerifierLength, MaxCodeVerifierLength)
	}

	switch method {
	case PKCEMethodS256, "":
		// S256 is the default when method is omitted
		return nil
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed (configure AllowPKCEPlain=true if needed for legacy clients)", PKCEMethodPlain)
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// No PKCE required for this flow
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string

	switch method {
	case PKCEMethodS256, "":
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	case PKCEMethodPlain:
		// Deprecated but allowed if configured for backward compatibility
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed (configure AllowPKCEPlain=true if needed for legacy clients)", PKCEMethodPlain)
		}
		computedChallenge = verifier
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")

	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}
