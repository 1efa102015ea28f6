// Package memory provides an in-memory implementation of all storage
// interfaces. It is the default backend for development and single-node
// deployments; data does not survive a restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/authkit-io/oauth-server/instrumentation"
	"github.com/authkit-io/oauth-server/security"
	"github.com/authkit-io/oauth-server/storage"
)

// Cleanup and retention bounds
const (
	defaultCleanupInterval = time.Minute

	// defaultFamilyRetention is how long revoked family metadata is kept
	// for forensics before cleanup removes it
	defaultFamilyRetention = 90 * 24 * time.Hour

	// hardMaxFamilyEntries caps family metadata growth as a DoS backstop
	hardMaxFamilyEntries = 50000
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, FlowStore, TokenStore, and PersonalTokenStore.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients      map[string]*storage.Client
	clientsPerIP map[string]int // IP address -> registration count (DoS protection)

	// Flow storage
	authCodes map[string]*storage.AuthorizationCode

	// Token metadata, keyed by jti
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// Family tracking for rotation reuse detection. jtiFamilies survives
	// token deletion so a rotated-away jti can still be traced to its family.
	families    map[string]*storage.RefreshTokenFamily // family ID -> metadata
	jtiFamilies map[string]string                      // refresh jti -> family ID

	// Revocation list: jti -> token expiry (entries are dropped once the
	// token would have expired anyway)
	revokedJTIs map[string]time.Time

	// Personal access tokens
	personalTokens   map[string]*storage.PersonalAccessToken // ID -> record
	personalByDigest map[string]string                       // secret digest -> ID

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Cleanup
	cleanupInterval time.Duration
	familyRetention time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore        = (*Store)(nil)
	_ storage.FlowStore          = (*Store)(nil)
	_ storage.TokenStore         = (*Store)(nil)
	_ storage.PersonalTokenStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		clientsPerIP:     make(map[string]int),
		authCodes:        make(map[string]*storage.AuthorizationCode),
		accessTokens:     make(map[string]*storage.AccessToken),
		refreshTokens:    make(map[string]*storage.RefreshToken),
		families:         make(map[string]*storage.RefreshTokenFamily),
		jtiFamilies:      make(map[string]string),
		revokedJTIs:      make(map[string]time.Time),
		personalTokens:   make(map[string]*storage.PersonalAccessToken),
		personalByDigest: make(map[string]string),
		cleanupInterval:  cleanupInterval,
		familyRetention:  defaultFamilyRetention,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets the metrics and tracing sink for storage operations
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// SetFamilyRetention sets how long revoked family metadata is kept for
// forensics before being cleaned up.
func (s *Store) SetFamilyRetention(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if retention > 0 {
		s.familyRetention = retention
	}
}

// Stop terminates the background cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// startSpan opens a span for one storage operation. The span is nil when
// no instrumentation is configured; recordOp tolerates that.
func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(attribute.String(instrumentation.AttrStorageOperation, operation)))
}

// recordOp records a storage operation metric and closes its span
func (s *Store) recordOp(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	if span != nil {
		span.SetAttributes(attribute.String(instrumentation.AttrStorageResult, result))
		span.End()
	}
	if s.instrumentation == nil {
		return
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
}

// --- ClientStore ---

// SaveClient persists a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startSpan(ctx, "save_client")
	defer func(start time.Time) { s.recordOp(ctx, span, "save_client", err, start) }(time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ClientID]; ok {
		return storage.ErrClientExists
	}

	clientCopy := *client
	s.clients[client.ClientID] = &clientCopy
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer func(start time.Time) { s.recordOp(ctx, span, "get_client", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}

	clientCopy := *stored
	return &clientCopy, nil
}

// ValidateClientSecret checks a client secret against the stored bcrypt hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (err error) {
	ctx, span := s.startSpan(ctx, "validate_client_secret")
	defer func(start time.Time) { s.recordOp(ctx, span, "validate_client_secret", err, start) }(time.Now())

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		return storage.ErrClientNotFound
	}
	if client.ClientSecretHash == "" {
		return storage.ErrInvalidClientSecret
	}

	// bcrypt comparison happens outside the lock; it is deliberately slow
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) (clients []*storage.Client, err error) {
	ctx, span := s.startSpan(ctx, "list_clients")
	defer func(start time.Time) { s.recordOp(ctx, span, "list_clients", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients = make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clientCopy := *c
		clients = append(clients, &clientCopy)
	}
	return clients, nil
}

// CheckIPLimit returns an error when an IP has reached its registration quota
func (s *Store) CheckIPLimit(_ context.Context, clientIP string, maxClients int) error {
	if maxClients <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.clientsPerIP[clientIP] >= maxClients {
		return fmt.Errorf("client registration limit reached for IP")
	}
	return nil
}

// TrackClientIP counts a registration against an IP for DoS protection
func (s *Store) TrackClientIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsPerIP[ip]++
}

// --- FlowStore ---

// SaveAuthorizationCode persists an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startSpan(ctx, "save_authorization_code")
	defer func(start time.Time) { s.recordOp(ctx, span, "save_authorization_code", err, start) }(time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codeCopy := *code
	s.authCodes[code.Code] = &codeCopy
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (record *storage.AuthorizationCode, err error) {
	ctx, span := s.startSpan(ctx, "get_authorization_code")
	defer func(start time.Time) { s.recordOp(ctx, span, "get_authorization_code", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if time.Now().After(stored.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}

	codeCopy := *stored
	return &codeCopy, nil
}

// ConsumeAuthorizationCode atomically checks and marks an authorization code
// as consumed. The check and the mark happen under one write lock, so exactly
// one concurrent caller succeeds. Losers receive the stored record together
// with ErrCodeConsumed so the caller can run reuse detection.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (record *storage.AuthorizationCode, err error) {
	ctx, span := s.startSpan(ctx, "consume_authorization_code")
	defer func(start time.Time) { s.recordOp(ctx, span, "consume_authorization_code", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	codeCopy := *stored

	if stored.Consumed {
		return &codeCopy, storage.ErrCodeConsumed
	}
	if security.IsExpired(stored.ExpiresAt) {
		delete(s.authCodes, code)
		return nil, storage.ErrCodeExpired
	}

	stored.Consumed = true
	codeCopy.Consumed = true
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, span := s.startSpan(ctx, "delete_authorization_code")
	defer func(start time.Time) { s.recordOp(ctx, span, "delete_authorization_code", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	return nil
}

// --- TokenStore ---

// SaveAccessToken records metadata for an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startSpan(ctx, "save_access_token")
	defer func(start time.Time) { s.recordOp(ctx, span, "save_access_token", err, start) }(time.Now())

	if token == nil || token.JTI == "" {
		return fmt.Errorf("access token jti is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokenCopy := *token
	s.accessTokens[token.JTI] = &tokenCopy
	return nil
}

// GetAccessToken retrieves access token metadata by jti
func (s *Store) GetAccessToken(ctx context.Context, jti string) (token *storage.AccessToken, err error) {
	ctx, span := s.startSpan(ctx, "get_access_token")
	defer func(start time.Time) { s.recordOp(ctx, span, "get_access_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.accessTokens[jti]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	tokenCopy := *stored
	return &tokenCopy, nil
}

// SaveRefreshToken records an issued refresh token and its family lineage
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startSpan(ctx, "save_refresh_token")
	defer func(start time.Time) { s.recordOp(ctx, span, "save_refresh_token", err, start) }(time.Now())

	if token == nil || token.JTI == "" {
		return fmt.Errorf("refresh token jti is required")
	}
	if token.FamilyID == "" {
		return fmt.Errorf("refresh token family ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A rotation can race reuse detection: the family may have been
	// revoked between the rotate and this save. The new token must not
	// outlive the revocation sweep.
	family, ok := s.families[token.FamilyID]
	if ok && family.Revoked {
		return storage.ErrFamilyRevoked
	}

	if len(s.families) >= hardMaxFamilyEntries {
		s.evictOldestRevokedFamilyLocked()
	}

	tokenCopy := *token
	s.refreshTokens[token.JTI] = &tokenCopy
	s.jtiFamilies[token.JTI] = token.FamilyID

	if !ok {
		s.families[token.FamilyID] = &storage.RefreshTokenFamily{
			FamilyID:   token.FamilyID,
			UserID:     token.UserID,
			ClientID:   token.ClientID,
			Generation: token.Generation,
			IssuedAt:   token.IssuedAt,
		}
	} else {
		family.Generation = token.Generation
		family.IssuedAt = token.IssuedAt
	}
	return nil
}

// GetRefreshToken retrieves refresh token metadata by jti
func (s *Store) GetRefreshToken(ctx context.Context, jti string) (token *storage.RefreshToken, err error) {
	ctx, span := s.startSpan(ctx, "get_refresh_token")
	defer func(start time.Time) { s.recordOp(ctx, span, "get_refresh_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.refreshTokens[jti]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	tokenCopy := *stored
	return &tokenCopy, nil
}

// RotateRefreshToken atomically retrieves and deletes a refresh token.
// The lookup and the delete happen under one write lock, so only one
// concurrent caller wins. The jti-to-family mapping is retained so a replay
// of the rotated token can be traced back to its family.
func (s *Store) RotateRefreshToken(ctx context.Context, jti string) (token *storage.RefreshToken, err error) {
	ctx, span := s.startSpan(ctx, "rotate_refresh_token")
	defer func(start time.Time) { s.recordOp(ctx, span, "rotate_refresh_token", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refreshTokens[jti]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if stored.Revoked {
		return nil, storage.ErrTokenRevoked
	}
	if family, ok := s.families[stored.FamilyID]; ok && family.Revoked {
		delete(s.refreshTokens, jti)
		return nil, storage.ErrTokenRevoked
	}
	if security.IsExpired(stored.ExpiresAt) {
		delete(s.refreshTokens, jti)
		return nil, storage.ErrTokenExpired
	}

	tokenCopy := *stored
	delete(s.refreshTokens, jti)
	return &tokenCopy, nil
}

// GetRefreshTokenFamily retrieves family metadata for a refresh token jti,
// including jtis whose token record was already rotated away.
func (s *Store) GetRefreshTokenFamily(ctx context.Context, jti string) (family *storage.RefreshTokenFamily, err error) {
	ctx, span := s.startSpan(ctx, "get_refresh_token_family")
	defer func(start time.Time) { s.recordOp(ctx, span, "get_refresh_token_family", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	familyID, ok := s.jtiFamilies[jti]
	if !ok {
		return nil, storage.ErrFamilyNotFound
	}
	stored, ok := s.families[familyID]
	if !ok {
		return nil, storage.ErrFamilyNotFound
	}

	familyCopy := *stored
	return &familyCopy, nil
}

// RevokeRefreshTokenFamily revokes every token descended from one grant:
// the family is marked revoked, member refresh tokens are deleted, and both
// refresh and paired access jtis go on the revocation list.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (err error) {
	ctx, span := s.startSpan(ctx, "revoke_refresh_token_family")
	defer func(start time.Time) { s.recordOp(ctx, span, "revoke_refresh_token_family", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[familyID]
	if !ok {
		return storage.ErrFamilyNotFound
	}
	if family.Revoked {
		return nil
	}

	family.Revoked = true
	family.RevokedAt = time.Now()

	for jti, rt := range s.refreshTokens {
		if rt.FamilyID != familyID {
			continue
		}
		s.revokedJTIs[jti] = rt.ExpiresAt
		if rt.AccessTokenID != "" {
			s.revokeAccessJTILocked(rt.AccessTokenID)
		}
		delete(s.refreshTokens, jti)
	}
	return nil
}

// RevokeJTI adds a token id to the revocation list until expiresAt. Idempotent.
func (s *Store) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) (err error) {
	ctx, span := s.startSpan(ctx, "revoke_jti")
	defer func(start time.Time) { s.recordOp(ctx, span, "revoke_jti", err, start) }(time.Now())

	if jti == "" {
		return fmt.Errorf("jti is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokedJTIs[jti] = expiresAt
	if at, ok := s.accessTokens[jti]; ok {
		at.Revoked = true
	}
	if rt, ok := s.refreshTokens[jti]; ok {
		rt.Revoked = true
	}
	return nil
}

// IsJTIRevoked reports whether a token id has been revoked
func (s *Store) IsJTIRevoked(ctx context.Context, jti string) (revoked bool, err error) {
	ctx, span := s.startSpan(ctx, "is_jti_revoked")
	defer func(start time.Time) { s.recordOp(ctx, span, "is_jti_revoked", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, revoked = s.revokedJTIs[jti]
	return revoked, nil
}

// RevokeAllForUserClient revokes every live token for a user+client pair.
// Families touched along the way are revoked as well so no descendant can
// be minted afterwards.
func (s *Store) RevokeAllForUserClient(ctx context.Context, userID, clientID string) (count int, err error) {
	ctx, span := s.startSpan(ctx, "revoke_all_for_user_client")
	defer func(start time.Time) { s.recordOp(ctx, span, "revoke_all_for_user_client", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	for jti, at := range s.accessTokens {
		if at.UserID != userID || at.ClientID != clientID || at.Revoked {
			continue
		}
		at.Revoked = true
		s.revokedJTIs[jti] = at.ExpiresAt
		count++
	}

	for jti, rt := range s.refreshTokens {
		if rt.UserID != userID || rt.ClientID != clientID {
			continue
		}
		s.revokedJTIs[jti] = rt.ExpiresAt
		if family, ok := s.families[rt.FamilyID]; ok && !family.Revoked {
			family.Revoked = true
			family.RevokedAt = now
		}
		delete(s.refreshTokens, jti)
		count++
	}

	return count, nil
}

// revokeAccessJTILocked marks one access token revoked. Caller holds the lock.
func (s *Store) revokeAccessJTILocked(jti string) {
	if at, ok := s.accessTokens[jti]; ok {
		at.Revoked = true
		s.revokedJTIs[jti] = at.ExpiresAt
		return
	}
	// No record; still blocklist the jti for a conservative window
	s.revokedJTIs[jti] = time.Now().Add(24 * time.Hour)
}

// --- PersonalTokenStore ---

// SavePersonalToken persists a personal access token record
func (s *Store) SavePersonalToken(ctx context.Context, token *storage.PersonalAccessToken) (err error) {
	ctx, span := s.startSpan(ctx, "save_personal_token")
	defer func(start time.Time) { s.recordOp(ctx, span, "save_personal_token", err, start) }(time.Now())

	if token == nil || token.ID == "" {
		return fmt.Errorf("personal token ID is required")
	}
	if token.SecretDigest == "" {
		return fmt.Errorf("personal token secret digest is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokenCopy := *token
	s.personalTokens[token.ID] = &tokenCopy
	s.personalByDigest[token.SecretDigest] = token.ID
	return nil
}

// GetPersonalTokenByDigest retrieves a personal token by its secret digest
func (s *Store) GetPersonalTokenByDigest(ctx context.Context, digest string) (token *storage.PersonalAccessToken, err error) {
	ctx, span := s.startSpan(ctx, "get_personal_token")
	defer func(start time.Time) { s.recordOp(ctx, span, "get_personal_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.personalByDigest[digest]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	stored, ok := s.personalTokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	tokenCopy := *stored
	return &tokenCopy, nil
}

// RevokePersonalToken revokes a personal token by ID. Idempotent; revoking
// an unknown or already-revoked token succeeds.
func (s *Store) RevokePersonalToken(ctx context.Context, id string) (err error) {
	ctx, span := s.startSpan(ctx, "revoke_personal_token")
	defer func(start time.Time) { s.recordOp(ctx, span, "revoke_personal_token", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.personalTokens[id]; ok {
		stored.Revoked = true
	}
	return nil
}

// ListPersonalTokens lists a user's personal tokens
func (s *Store) ListPersonalTokens(ctx context.Context, userID string) (tokens []*storage.PersonalAccessToken, err error) {
	ctx, span := s.startSpan(ctx, "list_personal_tokens")
	defer func(start time.Time) { s.recordOp(ctx, span, "list_personal_tokens", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pat := range s.personalTokens {
		if pat.UserID != userID {
			continue
		}
		patCopy := *pat
		tokens = append(tokens, &patCopy)
	}
	return tokens, nil
}

// --- cleanup ---

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops expired codes, tokens, revocation entries, and stale
// revoked family metadata.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var codes, tokens, revocations, families int

	for code, ac := range s.authCodes {
		if now.After(ac.ExpiresAt) {
			delete(s.authCodes, code)
			codes++
		}
	}

	for jti, at := range s.accessTokens {
		if now.After(at.ExpiresAt) {
			delete(s.accessTokens, jti)
			tokens++
		}
	}

	for jti, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, jti)
			tokens++
		}
	}

	for jti, expiresAt := range s.revokedJTIs {
		if now.After(expiresAt) {
			delete(s.revokedJTIs, jti)
			revocations++
		}
	}

	for familyID, family := range s.families {
		if family.Revoked && now.Sub(family.RevokedAt) > s.familyRetention {
			delete(s.families, familyID)
			families++
		}
	}
	// Drop jti mappings whose family is gone
	for jti, familyID := range s.jtiFamilies {
		if _, ok := s.families[familyID]; !ok {
			delete(s.jtiFamilies, jti)
		}
	}

	if codes+tokens+revocations+families > 0 {
		s.logger.Debug("In-memory store cleanup",
			"expired_codes", codes,
			"expired_tokens", tokens,
			"expired_revocations", revocations,
			"stale_families", families)
	}
}

// evictOldestRevokedFamilyLocked frees one family slot when the hard cap is
// hit, preferring the oldest revoked entry. Caller holds the lock.
func (s *Store) evictOldestRevokedFamilyLocked() {
	var oldestID string
	var oldestAt time.Time

	for familyID, family := range s.families {
		if !family.Revoked {
			continue
		}
		if oldestID == "" || family.RevokedAt.Before(oldestAt) {
			oldestID = familyID
			oldestAt = family.RevokedAt
		}
	}
	if oldestID != "" {
		delete(s.families, oldestID)
		s.logger.Warn("Family metadata cap reached, evicted oldest revoked family",
			"family_id", oldestID)
	}
}
