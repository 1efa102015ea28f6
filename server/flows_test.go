package server

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/authkit-io/oauth-server/internal/testutil"
	"github.com/authkit-io/oauth-server/security"
	"github.com/authkit-io/oauth-server/storage/memory"
	"github.com/authkit-io/oauth-server/token"
)

const (
	testUserID = "user-123"
	// RFC 7636 requires verifiers between 43 and 128 characters
	testVerifierLength = 50
)

func setupFlowTestServer(t *testing.T, config *Config) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(func() { store.Stop() })

	codec, err := token.NewCodec([]byte(testutil.GenerateRandomString(32)), "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	if config == nil {
		config = &Config{
			Issuer:          "https://auth.example.com",
			SupportedScopes: []string{"openid", "email", "profile", "read", "write"},
			RequirePKCE:     true,
		}
	}

	srv, err := New(codec, store, store, store, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetPersonalTokenStore(store)

	return srv, store
}

func registerTestClient(t *testing.T, srv *Server, clientType string, grantTypes []string) (clientID string, secret string) {
	t.Helper()

	client, secret, err := srv.RegisterClient(context.Background(),
		"Test Client",
		clientType,
		"",
		[]string{"https://example.com/callback"},
		grantTypes,
		[]string{"openid", "email", "read", "write"},
		"192.168.1.100")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client.ClientID, secret
}

func TestServer_Authorize(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupFlowTestServer(t, nil)
	clientID, _ := registerTestClient(t, srv, ClientTypePublic, nil)

	_, challenge := testutil.PKCEPair(testVerifierLength)

	tests := []struct {
		name     string
		req      *AuthorizeRequest
		wantCode string // expected error code, empty for success
		redirect bool   // expected Redirectable() on error
	}{
		{
			name: "valid request",
			req: &AuthorizeRequest{
				ClientID:            clientID,
				RedirectURI:         "https://example.com/callback",
				Scope:               "openid email",
				CodeChallenge:       challenge,
				CodeChallengeMethod: PKCEMethodS256,
				UserID:              testUserID,
			},
		},
		{
			name: "method defaults to S256",
			req: &AuthorizeRequest{
				ClientID:      clientID,
				RedirectURI:   "https://example.com/callback",
				CodeChallenge: challenge,
				UserID:        testUserID,
			},
		},
		{
			name: "unknown client",
			req: &AuthorizeRequest{
				ClientID:      "nonexistent",
				RedirectURI:   "https://example.com/callback",
				CodeChallenge: challenge,
				UserID:        testUserID,
			},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name: "unregistered redirect URI",
			req: &AuthorizeRequest{
				ClientID:      clientID,
				RedirectURI:   "https://evil.example.com/callback",
				CodeChallenge: challenge,
				UserID:        testUserID,
			},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "missing client_id",
			req: &AuthorizeRequest{
				RedirectURI:   "https://example.com/callback",
				CodeChallenge: challenge,
				UserID:        testUserID,
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "scope not registered for client",
			req: &AuthorizeRequest{
				ClientID:            clientID,
				RedirectURI:         "https://example.com/callback",
				Scope:               "profile",
				CodeChallenge:       challenge,
				CodeChallengeMethod: PKCEMethodS256,
				UserID:              testUserID,
			},
			wantCode: ErrorCodeInvalidScope,
			redirect: true,
		},
		{
			name: "missing PKCE for public client",
			req: &AuthorizeRequest{
				ClientID:    clientID,
				RedirectURI: "https://example.com/callback",
				UserID:      testUserID,
			},
			wantCode: ErrorCodeInvalidRequest,
			redirect: true,
		},
		{
			name: "plain method rejected by default",
			req: &AuthorizeRequest{
				ClientID:            clientID,
				RedirectURI:         "https://example.com/callback",
				CodeChallenge:       testutil.GenerateRandomString(testVerifierLength),
				CodeChallengeMethod: PKCEMethodPlain,
				UserID:              testUserID,
			},
			wantCode: ErrorCodeInvalidRequest,
			redirect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := srv.Authorize(ctx, tt.req)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Authorize() error = %v, want success", err)
				}
				if code.Code == "" {
					t.Error("Authorize() returned empty code")
				}
				if code.UserID != testUserID {
					t.Errorf("UserID = %q, want %q", code.UserID, testUserID)
				}
				return
			}
			if err == nil {
				t.Fatal("Authorize() succeeded, want error")
			}
			if err.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", err.Code, tt.wantCode)
			}
			if err.Redirectable() != tt.redirect {
				t.Errorf("Redirectable() = %v, want %v", err.Redirectable(), tt.redirect)
			}
		})
	}
}

func TestServer_ExchangeAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupFlowTestServer(t, nil)
	clientID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
	client, err := srv.GetClient(ctx, clientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	verifier, challenge := testutil.PKCEPair(testVerifierLength)

	authorize := func(t *testing.T) string {
		t.Helper()
		code, authErr := srv.Authorize(ctx, &AuthorizeRequest{
			ClientID:            clientID,
			RedirectURI:         "https://example.com/callback",
			Scope:               "openid email",
			CodeChallenge:       challenge,
			CodeChallengeMethod: PKCEMethodS256,
			UserID:              testUserID,
		})
		if authErr != nil {
			t.Fatalf("Authorize() error = %v", authErr)
		}
		return code.Code
	}

	t.Run("happy path", func(t *testing.T) {
		code := authorize(t)
		resp, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code, "https://example.com/callback", verifier)
		if exchErr != nil {
			t.Fatalf("ExchangeAuthorizationCode() error = %v", exchErr)
		}
		if resp.AccessToken == "" || resp.RefreshToken == "" {
			t.Error("expected both access and refresh tokens")
		}
		if resp.TokenType != "Bearer" {
			t.Errorf("TokenType = %q, want Bearer", resp.TokenType)
		}
		if resp.Scope != "openid email" {
			t.Errorf("Scope = %q, want %q", resp.Scope, "openid email")
		}

		claims, valErr := srv.ValidateAccessToken(ctx, resp.AccessToken)
		if valErr != nil {
			t.Fatalf("ValidateAccessToken() error = %v", valErr)
		}
		if claims.UserID() != testUserID {
			t.Errorf("UserID() = %q, want %q", claims.UserID(), testUserID)
		}
	})

	t.Run("wrong verifier", func(t *testing.T) {
		code := authorize(t)
		wrongVerifier := testutil.GenerateRandomString(testVerifierLength)
		_, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code, "https://example.com/callback", wrongVerifier)
		if exchErr == nil || exchErr.Code != ErrorCodeInvalidGrant {
			t.Fatalf("error = %v, want invalid_grant", exchErr)
		}
	})

	t.Run("redirect URI mismatch", func(t *testing.T) {
		code := authorize(t)
		_, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code, "https://example.com/other", verifier)
		if exchErr == nil || exchErr.Code != ErrorCodeInvalidGrant {
			t.Fatalf("error = %v, want invalid_grant", exchErr)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		_, exchErr := srv.ExchangeAuthorizationCode(ctx, client, "nonexistent-code", "https://example.com/callback", verifier)
		if exchErr == nil || exchErr.Code != ErrorCodeInvalidGrant {
			t.Fatalf("error = %v, want invalid_grant", exchErr)
		}
	})

	t.Run("wrong client", func(t *testing.T) {
		code := authorize(t)
		otherID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
		other, err := srv.GetClient(ctx, otherID)
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		_, exchErr := srv.ExchangeAuthorizationCode(ctx, other, code, "https://example.com/callback", verifier)
		if exchErr == nil || exchErr.Code != ErrorCodeInvalidGrant {
			t.Fatalf("error = %v, want invalid_grant", exchErr)
		}
	})
}

func TestServer_AuthorizationCodeReuse(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupFlowTestServer(t, nil)
	clientID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
	client, err := srv.GetClient(ctx, clientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	verifier, challenge := testutil.PKCEPair(testVerifierLength)
	code, authErr := srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              testUserID,
	})
	if authErr != nil {
		t.Fatalf("Authorize() error = %v", authErr)
	}

	resp, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code.Code, "https://example.com/callback", verifier)
	if exchErr != nil {
		t.Fatalf("first exchange error = %v", exchErr)
	}

	// Replay of a consumed code must fail and revoke everything issued from it
	_, exchErr = srv.ExchangeAuthorizationCode(ctx, client, code.Code, "https://example.com/callback", verifier)
	if exchErr == nil || exchErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("second exchange error = %v, want invalid_grant", exchErr)
	}

	if _, valErr := srv.ValidateAccessToken(ctx, resp.AccessToken); valErr == nil {
		t.Error("access token still valid after code reuse detection")
	}
	if _, refErr := srv.RefreshAccessToken(ctx, client, resp.RefreshToken); refErr == nil {
		t.Error("refresh token still usable after code reuse detection")
	}
}

func TestServer_ClientCredentials(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupFlowTestServer(t, nil)

	confidentialID, _ := registerTestClient(t, srv, ClientTypeConfidential,
		[]string{GrantTypeClientCredentials})
	confidential, err := srv.GetClient(ctx, confidentialID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	t.Run("confidential client", func(t *testing.T) {
		resp, grantErr := srv.ClientCredentials(ctx, confidential, "read write")
		if grantErr != nil {
			t.Fatalf("ClientCredentials() error = %v", grantErr)
		}
		if resp.AccessToken == "" {
			t.Error("expected access token")
		}
		if resp.RefreshToken != "" {
			t.Error("client_credentials must not issue a refresh token")
		}
		if resp.Scope != "read write" {
			t.Errorf("Scope = %q, want %q", resp.Scope, "read write")
		}

		claims, valErr := srv.ValidateAccessToken(ctx, resp.AccessToken)
		if valErr != nil {
			t.Fatalf("ValidateAccessToken() error = %v", valErr)
		}
		if claims.UserID() != "" {
			t.Errorf("UserID() = %q, want empty for machine token", claims.UserID())
		}
	})

	t.Run("scope superset rejected", func(t *testing.T) {
		_, grantErr := srv.ClientCredentials(ctx, confidential, "read admin")
		if grantErr == nil || grantErr.Code != ErrorCodeInvalidScope {
			t.Fatalf("error = %v, want invalid_scope", grantErr)
		}
	})

	t.Run("public client rejected", func(t *testing.T) {
		publicID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
		public, err := srv.GetClient(ctx, publicID)
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		_, grantErr := srv.ClientCredentials(ctx, public, "read")
		if grantErr == nil || grantErr.Code != ErrorCodeUnauthorizedClient {
			t.Fatalf("error = %v, want unauthorized_client", grantErr)
		}
	})
}

func TestServer_RefreshRotation(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupFlowTestServer(t, nil)
	clientID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
	client, err := srv.GetClient(ctx, clientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	verifier, challenge := testutil.PKCEPair(testVerifierLength)
	code, authErr := srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              testUserID,
	})
	if authErr != nil {
		t.Fatalf("Authorize() error = %v", authErr)
	}
	first, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code.Code, "https://example.com/callback", verifier)
	if exchErr != nil {
		t.Fatalf("exchange error = %v", exchErr)
	}

	second, refErr := srv.RefreshAccessToken(ctx, client, first.RefreshToken)
	if refErr != nil {
		t.Fatalf("RefreshAccessToken() error = %v", refErr)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if second.Scope != first.Scope {
		t.Errorf("scope changed across rotation: %q -> %q", first.Scope, second.Scope)
	}

	// Replaying the rotated token must revoke the whole family
	if _, refErr := srv.RefreshAccessToken(ctx, client, first.RefreshToken); refErr == nil || refErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("replay error = %v, want invalid_grant", refErr)
	}
	if _, refErr := srv.RefreshAccessToken(ctx, client, second.RefreshToken); refErr == nil {
		t.Error("descendant refresh token survived family revocation")
	}
	if _, valErr := srv.ValidateAccessToken(ctx, second.AccessToken); valErr == nil {
		t.Error("access token survived family revocation")
	}
}

func TestServer_RefreshRotation_FamilyRevokedMidRotation(t *testing.T) {
	ctx := context.Background()
	srv, store := setupFlowTestServer(t, nil)
	clientID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
	client, err := srv.GetClient(ctx, clientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	verifier, challenge := testutil.PKCEPair(testVerifierLength)
	code, authErr := srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              testUserID,
	})
	if authErr != nil {
		t.Fatalf("Authorize() error = %v", authErr)
	}
	first, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code.Code, "https://example.com/callback", verifier)
	if exchErr != nil {
		t.Fatalf("exchange error = %v", exchErr)
	}

	claims, decErr := srv.codec.Decode(first.RefreshToken)
	if decErr != nil {
		t.Fatalf("Decode() error = %v", decErr)
	}

	// Interleave a rotation with reuse detection: the winner pulls the
	// record, then a concurrent replay of the same token revokes the
	// family before the winner persists its rotated pair.
	record, rotErr := store.RotateRefreshToken(ctx, claims.ID)
	if rotErr != nil {
		t.Fatalf("RotateRefreshToken() error = %v", rotErr)
	}
	if _, refErr := srv.RefreshAccessToken(ctx, client, first.RefreshToken); refErr == nil || refErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("replay error = %v, want invalid_grant", refErr)
	}

	// The winner's save must lose against the revoked family
	resp, issueErr := srv.issueTokens(ctx, record.UserID, clientID, record.Scope, record.FamilyID, record.Generation+1)
	if issueErr == nil {
		t.Fatal("issueTokens() succeeded into a revoked family")
	}
	if issueErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("issueTokens() error = %v, want invalid_grant", issueErr)
	}
	if resp != nil {
		t.Error("issueTokens() returned tokens alongside an error")
	}
}

func TestServer_RefreshTokenClientBinding(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupFlowTestServer(t, nil)
	clientID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
	client, err := srv.GetClient(ctx, clientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	verifier, challenge := testutil.PKCEPair(testVerifierLength)
	code, authErr := srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Scope:               "openid",
		UserID:              testUserID,
	})
	if authErr != nil {
		t.Fatalf("Authorize() error = %v", authErr)
	}
	resp, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code.Code, "https://example.com/callback", verifier)
	if exchErr != nil {
		t.Fatalf("exchange error = %v", exchErr)
	}

	otherID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
	other, err := srv.GetClient(ctx, otherID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if _, refErr := srv.RefreshAccessToken(ctx, other, resp.RefreshToken); refErr == nil || refErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("error = %v, want invalid_grant for foreign client", refErr)
	}

	// The binding failure must not burn the token for its rightful owner
	if _, refErr := srv.RefreshAccessToken(ctx, client, resp.RefreshToken); refErr != nil {
		t.Fatalf("rightful owner refresh error = %v", refErr)
	}
}

type stubAuthenticator struct {
	username string
	password string
	user     *UserAccount
}

func (a *stubAuthenticator) Authenticate(_ context.Context, username, password string) (*UserAccount, error) {
	if username != a.username || password != a.password {
		return nil, ErrInvalidGrant("invalid resource owner credentials")
	}
	return a.user, nil
}

func TestServer_PasswordCredentials(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled by default", func(t *testing.T) {
		srv, _ := setupFlowTestServer(t, nil)
		clientID, _ := registerTestClient(t, srv, ClientTypeConfidential, []string{GrantTypePassword})
		client, err := srv.GetClient(ctx, clientID)
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		_, grantErr := srv.PasswordCredentials(ctx, client, "alice", "secret", "")
		if grantErr == nil || grantErr.Code != ErrorCodeUnsupportedGrantType {
			t.Fatalf("error = %v, want unsupported_grant_type", grantErr)
		}
	})

	srv, _ := setupFlowTestServer(t, &Config{
		Issuer:              "https://auth.example.com",
		SupportedScopes:     []string{"openid", "email", "read", "write"},
		RequirePKCE:         true,
		EnablePasswordGrant: true,
		DefaultScopes:       []string{"read"},
	})
	srv.SetUserAuthenticator(&stubAuthenticator{
		username: "alice",
		password: "correct-horse",
		user:     &UserAccount{ID: testUserID, Username: "alice", AllowedScopes: []string{"read"}},
	})
	clientID, _ := registerTestClient(t, srv, ClientTypeConfidential, []string{GrantTypePassword, GrantTypeRefreshToken})
	client, err := srv.GetClient(ctx, clientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	t.Run("valid credentials", func(t *testing.T) {
		resp, grantErr := srv.PasswordCredentials(ctx, client, "alice", "correct-horse", "read write")
		if grantErr != nil {
			t.Fatalf("PasswordCredentials() error = %v", grantErr)
		}
		// write is not in the user's allowed scopes
		if resp.Scope != "read" {
			t.Errorf("Scope = %q, want %q", resp.Scope, "read")
		}
		if resp.RefreshToken == "" {
			t.Error("expected refresh token")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, grantErr := srv.PasswordCredentials(ctx, client, "alice", "wrong", "")
		if grantErr == nil || grantErr.Code != ErrorCodeInvalidGrant {
			t.Fatalf("error = %v, want invalid_grant", grantErr)
		}
	})

	t.Run("unknown user gets same error", func(t *testing.T) {
		_, grantErr := srv.PasswordCredentials(ctx, client, "mallory", "secret", "")
		if grantErr == nil || grantErr.Code != ErrorCodeInvalidGrant {
			t.Fatalf("error = %v, want invalid_grant", grantErr)
		}
	})
}

func TestServer_IntrospectAndRevoke(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupFlowTestServer(t, nil)
	clientID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
	client, err := srv.GetClient(ctx, clientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	verifier, challenge := testutil.PKCEPair(testVerifierLength)
	code, authErr := srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              testUserID,
	})
	if authErr != nil {
		t.Fatalf("Authorize() error = %v", authErr)
	}
	resp, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code.Code, "https://example.com/callback", verifier)
	if exchErr != nil {
		t.Fatalf("exchange error = %v", exchErr)
	}

	intro, err := srv.Introspect(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if !intro.Active {
		t.Fatal("fresh access token introspects inactive")
	}
	if intro.Sub != testUserID || intro.ClientID != clientID {
		t.Errorf("introspection sub=%q client_id=%q", intro.Sub, intro.ClientID)
	}

	// Garbage tokens never error, they are just inactive
	intro, err = srv.Introspect(ctx, "not-a-token")
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if intro.Active {
		t.Error("garbage token introspects active")
	}

	if err := srv.RevokeToken(ctx, client, resp.AccessToken, "127.0.0.1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	intro, err = srv.Introspect(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if intro.Active {
		t.Error("revoked access token introspects active")
	}

	// Revoking again, or revoking garbage, still succeeds
	if err := srv.RevokeToken(ctx, client, resp.AccessToken, "127.0.0.1"); err != nil {
		t.Errorf("second RevokeToken() error = %v", err)
	}
	if err := srv.RevokeToken(ctx, client, "not-a-token", "127.0.0.1"); err != nil {
		t.Errorf("RevokeToken(garbage) error = %v", err)
	}

	// Revoking a refresh token kills the family
	if err := srv.RevokeToken(ctx, client, resp.RefreshToken, "127.0.0.1"); err != nil {
		t.Fatalf("RevokeToken(refresh) error = %v", err)
	}
	if _, refErr := srv.RefreshAccessToken(ctx, client, resp.RefreshToken); refErr == nil {
		t.Error("revoked refresh token still usable")
	}
}

func TestServer_PersonalAccessTokens(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupFlowTestServer(t, nil)

	secret, pat, err := srv.IssuePersonalAccessToken(ctx, testUserID, "ci token", "read")
	if err != nil {
		t.Fatalf("IssuePersonalAccessToken() error = %v", err)
	}
	if len(secret) <= len(PersonalTokenPrefix) || secret[:len(PersonalTokenPrefix)] != PersonalTokenPrefix {
		t.Fatalf("secret %q does not carry the pat_ prefix", secret)
	}
	if pat.SecretDigest == "" {
		t.Error("record has no digest")
	}

	claims, valErr := srv.ValidateAccessToken(ctx, secret)
	if valErr != nil {
		t.Fatalf("ValidateAccessToken() error = %v", valErr)
	}
	if claims.UserID() != testUserID || claims.Scope != "read" {
		t.Errorf("claims user=%q scope=%q", claims.UserID(), claims.Scope)
	}

	intro, err := srv.Introspect(ctx, secret)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if !intro.Active || intro.Sub != testUserID {
		t.Errorf("introspection active=%v sub=%q", intro.Active, intro.Sub)
	}

	tokens, err := srv.ListPersonalAccessTokens(ctx, testUserID)
	if err != nil {
		t.Fatalf("ListPersonalAccessTokens() error = %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("listed %d tokens, want 1", len(tokens))
	}

	if err := srv.RevokePersonalAccessToken(ctx, testUserID, pat.ID); err != nil {
		t.Fatalf("RevokePersonalAccessToken() error = %v", err)
	}
	if _, valErr := srv.ValidateAccessToken(ctx, secret); valErr == nil {
		t.Error("revoked personal token still validates")
	}
	intro, err = srv.Introspect(ctx, secret)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if intro.Active {
		t.Error("revoked personal token introspects active")
	}
}

func TestServer_AuditEvents(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupFlowTestServer(t, nil)

	var buf bytes.Buffer
	srv.SetAuditor(security.NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true))

	clientID, _ := registerTestClient(t, srv, ClientTypePublic, nil)
	client, err := srv.GetClient(ctx, clientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	verifier, challenge := testutil.PKCEPair(testVerifierLength)

	// Unregistered redirect URI
	if _, authErr := srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:      clientID,
		RedirectURI:   "https://evil.example.com/callback",
		Scope:         "openid",
		CodeChallenge: challenge,
		UserID:        testUserID,
	}); authErr == nil {
		t.Fatal("Authorize() accepted an unregistered redirect URI")
	}
	if !strings.Contains(buf.String(), security.EventInvalidRedirect) {
		t.Error("invalid redirect was not audited")
	}

	// Scope beyond the client's grant
	buf.Reset()
	if _, authErr := srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:      clientID,
		RedirectURI:   "https://example.com/callback",
		Scope:         "profile",
		CodeChallenge: challenge,
		UserID:        testUserID,
	}); authErr == nil {
		t.Fatal("Authorize() granted a scope outside the client's set")
	}
	if !strings.Contains(buf.String(), security.EventScopeEscalationAttempt) {
		t.Error("scope escalation was not audited")
	}

	// PKCE failure at exchange time
	buf.Reset()
	code, authErr := srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              testUserID,
	})
	if authErr != nil {
		t.Fatalf("Authorize() error = %v", authErr)
	}
	wrongVerifier, _ := testutil.PKCEPair(testVerifierLength)
	if _, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code.Code, "https://example.com/callback", wrongVerifier); exchErr == nil {
		t.Fatal("exchange accepted a wrong verifier")
	}
	if !strings.Contains(buf.String(), security.EventPKCEValidationFailed) {
		t.Error("PKCE failure was not audited")
	}

	// Active introspection
	buf.Reset()
	code, authErr = srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              testUserID,
	})
	if authErr != nil {
		t.Fatalf("Authorize() error = %v", authErr)
	}
	resp, exchErr := srv.ExchangeAuthorizationCode(ctx, client, code.Code, "https://example.com/callback", verifier)
	if exchErr != nil {
		t.Fatalf("exchange error = %v", exchErr)
	}
	intro, introErr := srv.Introspect(ctx, resp.AccessToken)
	if introErr != nil || !intro.Active {
		t.Fatalf("Introspect() = %+v, %v", intro, introErr)
	}
	if !strings.Contains(buf.String(), security.EventTokenIntrospected) {
		t.Error("introspection was not audited")
	}
}
