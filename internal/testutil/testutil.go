// Package testutil provides shared helpers for tests.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
)

// verifierAlphabet is the RFC 7636 unreserved character set used for PKCE
// code verifiers and random test strings.
const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateRandomString returns a cryptographically random string of length n
// drawn from the RFC 7636 unreserved alphabet.
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(verifierAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand failure is not recoverable in tests
		}
		b[i] = verifierAlphabet[idx.Int64()]
	}
	return string(b)
}

// PKCEPair returns a valid (verifier, S256 challenge) pair for tests.
func PKCEPair(verifierLen int) (verifier, challenge string) {
	verifier = GenerateRandomString(verifierLen)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return verifier, challenge
}
