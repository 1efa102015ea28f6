package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authkit-io/oauth-server/instrumentation"
	"github.com/authkit-io/oauth-server/security"
	"github.com/authkit-io/oauth-server/storage"
	"github.com/authkit-io/oauth-server/token"
)

// PersonalTokenPrefix marks personal access token secrets on the wire so
// they can be told apart from JWTs at introspection and revocation time.
const PersonalTokenPrefix = "pat_"

// metrics returns the metrics sink, nil when instrumentation is not set.
// All Metrics methods tolerate a nil receiver.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

// Authorize processes an approved authorization request and issues a
// single-use authorization code bound to the client, redirect URI, scope,
// and PKCE challenge.
//
// Errors returned before the client and redirect URI are validated are not
// redirectable; the handler must render them in-band per RFC 6749
// Section 4.1.2.1.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest) (*storage.AuthorizationCode, *Error) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if req.UserID == "" {
		return nil, ErrServerError("authorization request has no authenticated user")
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", "unknown client")
		}
		return nil, ErrInvalidClient("unknown client")
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				UserID:   req.UserID,
				ClientID: req.ClientID,
				Details:  map[string]any{"reason": err.Error()},
			})
		}
		return nil, ErrInvalidRedirectURI(err.Error())
	}

	// Client and redirect URI are validated: everything below may be
	// delivered to the client via redirect

	if oauthErr := s.validateGrantType(client, GrantTypeAuthorizationCode); oauthErr != nil {
		return nil, redirectableError(oauthErr)
	}

	scope, oauthErr := s.grantScopes(req.Scope, client.Scopes)
	if oauthErr != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				UserID:   req.UserID,
				ClientID: req.ClientID,
				Details:  map[string]any{"requested_scope": req.Scope},
			})
		}
		return nil, redirectableError(oauthErr)
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = PKCEMethodS256
	}

	if req.CodeChallenge == "" && s.Config.RequirePKCE && !client.Confidential() {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.UserID, req.ClientID, "", "missing_pkce_parameters")
		}
		return nil, redirectableError(ErrInvalidRequest("code_challenge is required for public clients"))
	}

	if err := s.validateCodeChallenge(req.CodeChallenge, method); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.UserID, req.ClientID, "", "invalid_code_challenge")
		}
		return nil, redirectableError(ErrInvalidRequest(err.Error()))
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		UserID:              req.UserID,
		IssuedAt:            now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err)
		return nil, redirectableError(ErrServerError("failed to issue authorization code"))
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserID:   req.UserID,
			ClientID: client.ClientID,
			Details: map[string]any{
				"scope":       scope,
				"pkce_method": method,
			},
		})
	}
	s.metrics().RecordCodeIssued(ctx, method)

	s.Logger.Info("Issued authorization code",
		"client_id", client.ClientID,
		"user_id", req.UserID,
		"scope", scope,
		"code_prefix", safeTruncate(authCode.Code, 8))

	return authCode, nil
}

// ExchangeAuthorizationCode processes the authorization_code grant.
// The code is consumed atomically before any other validation so that two
// concurrent requests can never both succeed; a replay of an already
// consumed code revokes every token previously issued for the user+client
// pair (OAuth 2.1 Section 4.1.2).
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier string) (*TokenResponse, *Error) {
	if oauthErr := s.validateGrantType(client, GrantTypeAuthorizationCode); oauthErr != nil {
		return nil, oauthErr
	}
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	// SECURITY: atomically consume the code first; this is the
	// synchronization point for concurrent exchange attempts
	authCode, err := s.flowStore.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) && authCode != nil {
			// Code replay detected: potential stolen code. OAuth 2.1
			// requires revoking every token derived from it.
			if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(authCode.UserID+":"+client.ClientID) {
				s.Logger.Error("Authorization code reuse detected - revoking all tokens",
					"user_id", authCode.UserID,
					"client_id", client.ClientID)
			}

			if err := s.RevokeAllTokensForUserClient(ctx, authCode.UserID, client.ClientID); err != nil {
				s.Logger.Error("Failed to revoke tokens after code reuse detection", "error", err)
			}

			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventAuthorizationCodeReuseDetected,
					UserID:   authCode.UserID,
					ClientID: client.ClientID,
					Details: map[string]any{
						"severity": "critical",
						"action":   "all_tokens_revoked",
					},
				})
				s.Auditor.LogAuthFailure(authCode.UserID, client.ClientID, "", "authorization_code_reuse")
			}
			s.metrics().RecordCodeReuse(ctx)

			_ = s.flowStore.DeleteAuthorizationCode(ctx, code)

			return nil, ErrInvalidGrant("invalid grant")
		}

		// Not found, expired, or storage failure. Generic error to the
		// client, detail only in internal logs.
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", client.ClientID,
			"code_prefix", safeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_authorization_code")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	// Code is now consumed - no other request can use it

	if authCode.ClientID != client.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", client.ClientID,
			"code_prefix", safeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", "client_id_mismatch")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	// RFC 6749 Section 4.1.3: redirect_uri must match the value used at
	// authorization exactly
	if authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ClientID,
			"code_prefix", safeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, client.ClientID, "", "redirect_uri_mismatch")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				UserID:   authCode.UserID,
				ClientID: client.ClientID,
				Details:  map[string]any{"method": authCode.CodeChallengeMethod},
			})
		}
		s.metrics().RecordPKCEFailure(ctx)
		return nil, ErrInvalidGrant("invalid grant")
	}

	resp, issueErr := s.issueTokens(ctx, authCode.UserID, client.ClientID, authCode.Scope, uuid.NewString(), 0)
	if issueErr != nil {
		return nil, issueErr
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, client.ClientID, "", GrantTypeAuthorizationCode, authCode.Scope)
	}
	s.metrics().RecordGrant(ctx, GrantTypeAuthorizationCode, true)

	return resp, nil
}

// ClientCredentials processes the client_credentials grant (RFC 6749
// Section 4.4). Only confidential clients may use it and no refresh token
// is issued: the client can always re-authenticate directly.
func (s *Server) ClientCredentials(ctx context.Context, client *storage.Client, requestedScope string) (*TokenResponse, *Error) {
	if !client.Confidential() {
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}
	if oauthErr := s.validateGrantType(client, GrantTypeClientCredentials); oauthErr != nil {
		return nil, oauthErr
	}

	scope, oauthErr := s.grantScopes(requestedScope, client.Scopes)
	if oauthErr != nil {
		return nil, oauthErr
	}

	accessRaw, accessClaims, err := s.codec.MintAccess(client.ClientID, client.ClientID, scope, time.Duration(s.Config.AccessTokenTTL)*time.Second)
	if err != nil {
		s.Logger.Error("Failed to mint access token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	record := &storage.AccessToken{
		JTI:       accessClaims.ID,
		ClientID:  client.ClientID,
		Scope:     scope,
		IssuedAt:  accessClaims.IssuedAt.Time,
		ExpiresAt: accessClaims.ExpiresAt.Time,
	}
	if err := s.tokenStore.SaveAccessToken(ctx, record); err != nil {
		s.Logger.Error("Failed to save access token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued("", client.ClientID, "", GrantTypeClientCredentials, scope)
	}
	s.metrics().RecordGrant(ctx, GrantTypeClientCredentials, true)

	return &TokenResponse{
		AccessToken: accessRaw,
		TokenType:   "Bearer",
		ExpiresIn:   s.Config.AccessTokenTTL,
		Scope:       scope,
	}, nil
}

// RefreshAccessToken processes the refresh_token grant with rotation.
// The presented token is atomically deleted first; only one concurrent
// request can win. Replay of a rotated token means the token leaked, so
// the whole family and every live token for the user+client are revoked.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, rawRefreshToken string) (*TokenResponse, *Error) {
	if oauthErr := s.validateGrantType(client, GrantTypeRefreshToken); oauthErr != nil {
		return nil, oauthErr
	}
	if rawRefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	claims, err := s.codec.Decode(rawRefreshToken)
	if err != nil || claims.TokenType != token.TypeRefresh {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "decode_failed",
			"client_id", client.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_refresh_token")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	// RFC 6749 Section 6: the refresh token is bound to the client it was
	// issued to
	if claims.ClientID != client.ClientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(claims.UserID(), client.ClientID, "", "refresh_token_client_mismatch")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	// SECURITY: atomically delete the token record; this is the
	// synchronization point for concurrent refresh attempts
	record, err := s.tokenStore.RotateRefreshToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, s.handleRefreshReuse(ctx, client, claims)
		}

		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"client_id", client.ClientID,
			"jti_prefix", safeTruncate(claims.ID, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_refresh_token")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	// Token record is now deleted - no other request can rotate it

	if record.ClientID != client.ClientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(record.UserID, client.ClientID, "", "refresh_token_client_mismatch")
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	resp, issueErr := s.issueTokens(ctx, record.UserID, client.ClientID, record.Scope, record.FamilyID, record.Generation+1)
	if issueErr != nil {
		return nil, issueErr
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.UserID, client.ClientID, "", record.Generation+1)
	}
	s.metrics().RecordGrant(ctx, GrantTypeRefreshToken, true)
	s.metrics().RecordTokenRefreshed(ctx)

	return resp, nil
}

// handleRefreshReuse runs reuse detection after a rotation attempt found no
// live token record. Family metadata survives rotation, so a hit there
// means the presented token was already rotated away and is being replayed.
func (s *Server) handleRefreshReuse(ctx context.Context, client *storage.Client, claims *token.Claims) *Error {
	family, famErr := s.tokenStore.GetRefreshTokenFamily(ctx, claims.ID)
	if famErr != nil {
		// No family metadata: plain invalid token, not a replay
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_refresh_token")
		}
		return ErrInvalidGrant("invalid grant")
	}

	if family.Revoked {
		// Replay against a family that was already revoked after a prior
		// reuse detection
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventRevokedTokenFamilyReuseAttempt,
				UserID:   family.UserID,
				ClientID: client.ClientID,
				Details: map[string]any{
					"severity":  "critical",
					"family_id": family.FamilyID,
				},
			})
		}
		s.Logger.Error("Attempted use of revoked token family",
			"user_id", family.UserID,
			"family_id", safeTruncate(family.FamilyID, 8))
		return ErrInvalidGrant("invalid grant")
	}

	// Fresh reuse: the token was rotated but is being presented again
	if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(family.UserID+":"+client.ClientID) {
		s.Logger.Error("Refresh token reuse detected - token was rotated but still being used",
			"user_id", family.UserID,
			"client_id", client.ClientID,
			"family_id", safeTruncate(family.FamilyID, 8),
			"generation", family.Generation)
	}

	if err := s.tokenStore.RevokeRefreshTokenFamily(ctx, family.FamilyID); err != nil {
		s.Logger.Error("Failed to revoke token family", "error", err)
	}
	if err := s.RevokeAllTokensForUserClient(ctx, family.UserID, family.ClientID); err != nil {
		s.Logger.Error("Failed to revoke user tokens", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventRefreshTokenReuseDetected,
			UserID:   family.UserID,
			ClientID: client.ClientID,
			Details: map[string]any{
				"severity":   "critical",
				"family_id":  family.FamilyID,
				"generation": family.Generation,
				"action":     "family_and_tokens_revoked",
			},
		})
		s.Auditor.LogTokenReuse(family.UserID, client.ClientID)
	}
	s.metrics().RecordTokenReuse(ctx)

	return ErrInvalidGrant("invalid grant")
}

// PasswordCredentials processes the resource owner password credentials
// grant (RFC 6749 Section 4.3). Disabled unless explicitly enabled in
// config and a UserAuthenticator is installed.
func (s *Server) PasswordCredentials(ctx context.Context, client *storage.Client, username, password, requestedScope string) (*TokenResponse, *Error) {
	if !s.Config.EnablePasswordGrant || s.users == nil {
		return nil, ErrUnsupportedGrantType("password grant is not enabled")
	}
	if oauthErr := s.validateGrantType(client, GrantTypePassword); oauthErr != nil {
		return nil, oauthErr
	}
	if username == "" || password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}

	user, err := s.users.Authenticate(ctx, username, password)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_user_credentials")
		}
		// Same error for unknown user and wrong password
		return nil, ErrInvalidGrant("invalid resource owner credentials")
	}

	scope, oauthErr := s.grantScopes(requestedScope, client.Scopes)
	if oauthErr != nil {
		return nil, oauthErr
	}

	// Cap the grant at what the user's role permits
	if len(user.AllowedScopes) > 0 {
		scope = FormatScope(intersectScopes(ParseScope(scope), user.AllowedScopes))
	}

	resp, issueErr := s.issueTokens(ctx, user.ID, client.ClientID, scope, uuid.NewString(), 0)
	if issueErr != nil {
		return nil, issueErr
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(user.ID, client.ClientID, "", GrantTypePassword, scope)
	}
	s.metrics().RecordGrant(ctx, GrantTypePassword, true)

	return resp, nil
}

// issueTokens mints an access/refresh token pair for a resource owner and
// persists their revocation metadata. familyID ties the refresh token into
// its rotation lineage; generation 0 starts a new family.
func (s *Server) issueTokens(ctx context.Context, userID, clientID, scope, familyID string, generation int) (*TokenResponse, *Error) {
	accessTTL := time.Duration(s.Config.AccessTokenTTL) * time.Second
	refreshTTL := time.Duration(s.Config.RefreshTokenTTL) * time.Second

	accessRaw, accessClaims, err := s.codec.MintAccess(userID, clientID, scope, accessTTL)
	if err != nil {
		s.Logger.Error("Failed to mint access token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	refreshRaw, refreshClaims, err := s.codec.MintRefresh(userID, clientID, scope, refreshTTL)
	if err != nil {
		s.Logger.Error("Failed to mint refresh token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	accessRecord := &storage.AccessToken{
		JTI:       accessClaims.ID,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		IssuedAt:  accessClaims.IssuedAt.Time,
		ExpiresAt: accessClaims.ExpiresAt.Time,
	}
	refreshRecord := &storage.RefreshToken{
		JTI:           refreshClaims.ID,
		AccessTokenID: accessClaims.ID,
		ClientID:      clientID,
		UserID:        userID,
		Scope:         scope,
		FamilyID:      familyID,
		Generation:    generation,
		IssuedAt:      refreshClaims.IssuedAt.Time,
		ExpiresAt:     refreshClaims.ExpiresAt.Time,
	}

	if err := s.tokenStore.SaveAccessToken(ctx, accessRecord); err != nil {
		s.Logger.Error("Failed to save access token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}
	if err := s.tokenStore.SaveRefreshToken(ctx, refreshRecord); err != nil {
		// Do not hand out an access token whose refresh half failed to persist
		_ = s.tokenStore.RevokeJTI(ctx, accessClaims.ID, accessClaims.ExpiresAt.Time)

		if errors.Is(err, storage.ErrFamilyRevoked) {
			// The rotation raced reuse detection and lost: the family was
			// revoked between the rotate and this save. The winner's
			// tokens must die with the rest of the family.
			s.Logger.Warn("Token family revoked during rotation",
				"client_id", clientID,
				"family_id", safeTruncate(familyID, 8))
			return nil, ErrInvalidGrant("invalid grant")
		}

		s.Logger.Error("Failed to save refresh token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	s.metrics().RecordTokenIssued(ctx)

	return &TokenResponse{
		AccessToken:  accessRaw,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refreshRaw,
		Scope:        scope,
	}, nil
}

// ValidateAccessToken validates a bearer token presented to a protected
// resource: signature, expiry, type, and revocation state. Personal access
// tokens are accepted alongside codec-minted access tokens.
func (s *Server) ValidateAccessToken(ctx context.Context, rawToken string) (*token.Claims, *Error) {
	if strings.HasPrefix(rawToken, PersonalTokenPrefix) {
		pat, oauthErr := s.lookupPersonalToken(ctx, rawToken)
		if oauthErr != nil {
			return nil, oauthErr
		}
		return personalTokenClaims(pat), nil
	}

	claims, err := s.codec.Decode(rawToken)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", "", "", "invalid_access_token")
		}
		return nil, ErrInvalidToken("invalid or expired token")
	}
	if claims.TokenType != token.TypeAccess {
		return nil, ErrInvalidToken("not an access token")
	}

	revoked, err := s.tokenStore.IsJTIRevoked(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Revocation check failed", "error", err)
		return nil, ErrServerError("token validation unavailable")
	}
	if revoked {
		return nil, ErrInvalidToken("token has been revoked")
	}

	return claims, nil
}

// lookupPersonalToken resolves a presented personal token secret to its
// record and checks its liveness, updating last-use on success.
func (s *Server) lookupPersonalToken(ctx context.Context, rawToken string) (*storage.PersonalAccessToken, *Error) {
	if s.personalStore == nil {
		return nil, ErrInvalidToken("invalid or expired token")
	}

	digest := sha256.Sum256([]byte(rawToken))
	pat, err := s.personalStore.GetPersonalTokenByDigest(ctx, hex.EncodeToString(digest[:]))
	if err != nil {
		return nil, ErrInvalidToken("invalid or expired token")
	}
	if pat.Revoked {
		return nil, ErrInvalidToken("token has been revoked")
	}
	if !pat.ExpiresAt.IsZero() && security.IsExpiredWithGracePeriod(pat.ExpiresAt, time.Duration(s.Config.ClockSkewGracePeriod)*time.Second) {
		return nil, ErrInvalidToken("invalid or expired token")
	}

	pat.LastUsedAt = time.Now()
	if err := s.personalStore.SavePersonalToken(ctx, pat); err != nil {
		s.Logger.Warn("Failed to record personal token use", "error", err)
	}

	return pat, nil
}

// personalTokenClaims maps a personal token record onto the claims shape
// used by access tokens so resource middleware handles both uniformly.
func personalTokenClaims(pat *storage.PersonalAccessToken) *token.Claims {
	claims := &token.Claims{
		ClientID:  "",
		Scope:     pat.Scope,
		TokenType: token.TypeAccess,
	}
	claims.Subject = pat.UserID
	claims.ID = pat.ID
	return claims
}

// Introspect reports the state of a presented token per RFC 7662. Any
// failure to decode or locate the token yields active:false rather than an
// error: introspection never leaks why a token is dead.
func (s *Server) Introspect(ctx context.Context, rawToken string) (*IntrospectionResponse, error) {
	inactive := &IntrospectionResponse{Active: false}

	s.metrics().RecordIntrospection(ctx)

	if strings.HasPrefix(rawToken, PersonalTokenPrefix) {
		pat, oauthErr := s.lookupPersonalToken(ctx, rawToken)
		if oauthErr != nil {
			return inactive, nil
		}
		resp := &IntrospectionResponse{
			Active:    true,
			Scope:     pat.Scope,
			Sub:       pat.UserID,
			TokenType: "Bearer",
			Iat:       pat.CreatedAt.Unix(),
			Iss:       s.Config.Issuer,
			JTI:       pat.ID,
		}
		if !pat.ExpiresAt.IsZero() {
			resp.Exp = pat.ExpiresAt.Unix()
		}
		return resp, nil
	}

	claims, err := s.codec.Decode(rawToken)
	if err != nil {
		return inactive, nil
	}

	switch claims.TokenType {
	case token.TypeAccess:
		revoked, err := s.tokenStore.IsJTIRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return inactive, nil
		}
	case token.TypeRefresh:
		// A rotated or revoked refresh token has no live record
		record, err := s.tokenStore.GetRefreshToken(ctx, claims.ID)
		if err != nil || record.Revoked {
			return inactive, nil
		}
	default:
		return inactive, nil
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		TokenType: "Bearer",
		Exp:       claims.ExpiresAt.Unix(),
		Iat:       claims.IssuedAt.Unix(),
		Sub:       claims.Subject,
		Iss:       claims.Issuer,
		JTI:       claims.ID,
	}
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventTokenIntrospected,
			UserID:   claims.UserID(),
			ClientID: claims.ClientID,
			Details:  map[string]any{"token_type": claims.TokenType},
		})
	}
	return resp, nil
}

// RevokeToken revokes a presented token per RFC 7009. Revocation is
// idempotent and forgiving: unknown, expired, or malformed tokens return
// success so the endpoint does not act as a token validity oracle.
// Tokens belonging to another client are ignored rather than revoked.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, rawToken, clientIP string) error {
	if rawToken == "" {
		return nil
	}

	if strings.HasPrefix(rawToken, PersonalTokenPrefix) {
		return s.revokePersonalTokenBySecret(ctx, rawToken, clientIP)
	}

	claims, err := s.codec.Decode(rawToken)
	if err != nil {
		return nil
	}

	if client != nil && claims.ClientID != client.ClientID {
		s.Logger.Warn("Revocation request for another client's token ignored",
			"client_id", client.ClientID)
		return nil
	}

	switch claims.TokenType {
	case token.TypeAccess:
		if err := s.tokenStore.RevokeJTI(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			s.Logger.Error("Failed to revoke access token", "error", err)
			return err
		}
		if s.Auditor != nil {
			s.Auditor.LogTokenRevoked(claims.UserID(), claims.ClientID, clientIP, "access_token")
		}

	case token.TypeRefresh:
		// Revoking a refresh token kills its whole lineage, including the
		// access tokens issued alongside (RFC 7009 Section 2.1)
		record, err := s.tokenStore.GetRefreshToken(ctx, claims.ID)
		if err == nil {
			if err := s.tokenStore.RevokeRefreshTokenFamily(ctx, record.FamilyID); err != nil {
				s.Logger.Error("Failed to revoke token family", "error", err)
				return err
			}
		}
		if err := s.tokenStore.RevokeJTI(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			s.Logger.Error("Failed to revoke refresh token", "error", err)
			return err
		}
		if s.Auditor != nil {
			s.Auditor.LogTokenRevoked(claims.UserID(), claims.ClientID, clientIP, "refresh_token")
		}
	}

	s.metrics().RecordTokenRevoked(ctx)
	return nil
}

// revokePersonalTokenBySecret revokes a personal token presented by its
// secret. Unknown secrets succeed silently, same as other token types.
func (s *Server) revokePersonalTokenBySecret(ctx context.Context, rawToken, clientIP string) error {
	if s.personalStore == nil {
		return nil
	}

	digest := sha256.Sum256([]byte(rawToken))
	pat, err := s.personalStore.GetPersonalTokenByDigest(ctx, hex.EncodeToString(digest[:]))
	if err != nil {
		return nil
	}

	if err := s.personalStore.RevokePersonalToken(ctx, pat.ID); err != nil {
		s.Logger.Error("Failed to revoke personal token", "error", err)
		return err
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:   security.EventPersonalTokenRevoked,
			UserID: pat.UserID,
			Details: map[string]any{
				"token_id":  pat.ID,
				"client_ip": clientIP,
			},
		})
	}
	s.metrics().RecordTokenRevoked(ctx)
	return nil
}

// RevokeAllTokensForUserClient revokes every live token for a user+client
// pair. Called on code or refresh token reuse detection, and available as
// an administrative operation.
func (s *Server) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) error {
	count, err := s.tokenStore.RevokeAllForUserClient(ctx, userID, clientID)
	if err != nil {
		return err
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAllTokensRevoked,
			UserID:   userID,
			ClientID: clientID,
			Details: map[string]any{
				"tokens_revoked": count,
			},
		})
	}

	s.Logger.Info("Revoked all tokens for user+client",
		"user_id", userID,
		"client_id", clientID,
		"count", count)
	return nil
}

// IssuePersonalAccessToken creates a long-lived token tied directly to a
// user. The plaintext secret is returned exactly once; only its SHA-256
// digest is stored.
func (s *Server) IssuePersonalAccessToken(ctx context.Context, userID, name, scope string) (string, *storage.PersonalAccessToken, error) {
	if s.personalStore == nil {
		return "", nil, errors.New("personal access tokens are not enabled")
	}
	if userID == "" {
		return "", nil, errors.New("user ID is required")
	}

	if err := s.validateScopes(scope); err != nil {
		return "", nil, err
	}

	secret := PersonalTokenPrefix + generateRandomToken()
	digest := sha256.Sum256([]byte(secret))

	now := time.Now()
	pat := &storage.PersonalAccessToken{
		ID:           uuid.NewString(),
		UserID:       userID,
		Name:         name,
		SecretDigest: hex.EncodeToString(digest[:]),
		Scope:        scope,
		CreatedAt:    now,
	}
	if s.Config.PersonalTokenTTL > 0 {
		pat.ExpiresAt = now.Add(time.Duration(s.Config.PersonalTokenTTL) * time.Second)
	}

	if err := s.personalStore.SavePersonalToken(ctx, pat); err != nil {
		return "", nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:   security.EventPersonalTokenIssued,
			UserID: userID,
			Details: map[string]any{
				"token_id": pat.ID,
				"name":     name,
				"scope":    scope,
			},
		})
	}

	s.Logger.Info("Issued personal access token",
		"user_id", userID,
		"token_id", pat.ID,
		"name", name)

	return secret, pat, nil
}

// RevokePersonalAccessToken revokes a user's personal token by ID. Idempotent.
func (s *Server) RevokePersonalAccessToken(ctx context.Context, userID, tokenID string) error {
	if s.personalStore == nil {
		return errors.New("personal access tokens are not enabled")
	}

	if err := s.personalStore.RevokePersonalToken(ctx, tokenID); err != nil {
		return err
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:   security.EventPersonalTokenRevoked,
			UserID: userID,
			Details: map[string]any{
				"token_id": tokenID,
			},
		})
	}
	return nil
}

// ListPersonalAccessTokens lists a user's personal tokens (without secrets)
func (s *Server) ListPersonalAccessTokens(ctx context.Context, userID string) ([]*storage.PersonalAccessToken, error) {
	if s.personalStore == nil {
		return nil, errors.New("personal access tokens are not enabled")
	}
	return s.personalStore.ListPersonalTokens(ctx, userID)
}
