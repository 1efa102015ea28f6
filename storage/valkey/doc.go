// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments.
//
// Security-critical operations (authorization code consumption and refresh
// token rotation) use Lua scripts so the check and the state change happen
// atomically on the server: only one concurrent request can win, which is
// what makes code replay and refresh token reuse detectable.
//
// Expiry is delegated to Valkey TTLs wherever possible; records that must
// outlive the token they describe (family metadata, jti-to-family mappings)
// carry a longer forensic retention TTL instead.
package valkey
