// Package security provides supporting security features for the
// authorization server: audit logging with PII hashing, per-identifier
// rate limiting, clock-skew-aware expiry checks, security response
// headers, and client IP extraction behind trusted proxies.
package security
