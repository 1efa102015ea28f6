// Package storage defines the persistence ports for the authorization
// server: clients, authorization codes, refresh tokens, personal access
// tokens, and revocation state. Implementations live in subpackages
// (memory, valkey); the core logic never differs by backend, only the
// atomicity primitive used for compare-and-set.
package storage
