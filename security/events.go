package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across the codebase and greppable in log pipelines.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the user or client
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when all tokens for a user+client are revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// EventTokenIntrospected is logged when a token is introspected
	EventTokenIntrospected = "token_introspected"

	// EventPersonalTokenIssued is logged when a personal access token is created
	EventPersonalTokenIssued = "personal_token_issued"

	// EventPersonalTokenRevoked is logged when a personal access token is revoked
	EventPersonalTokenRevoked = "personal_token_revoked"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is replayed (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is replayed
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventRevokedTokenFamilyReuseAttempt is logged when a revoked family is accessed again
	EventRevokedTokenFamilyReuseAttempt = "revoked_token_family_reuse_attempt"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when registration is rejected for security reasons
	EventClientRegistrationRejected = "client_registration_rejected"

	// Security violation events

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventScopeEscalationAttempt is logged when a client requests scopes beyond its grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventInvalidRedirect is logged when an unregistered or unsafe redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"
)
