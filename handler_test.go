package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/authkit-io/oauth-server/instrumentation"
	"github.com/authkit-io/oauth-server/internal/testutil"
	"github.com/authkit-io/oauth-server/server"
	"github.com/authkit-io/oauth-server/storage/memory"
	"github.com/authkit-io/oauth-server/token"
)

const testUserID = "user-123"

func setupTestHandler(t *testing.T, config *server.Config) (*Handler, *server.Server) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	codec, err := token.NewCodec([]byte(testutil.GenerateRandomString(32)), "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	if config == nil {
		config = &server.Config{
			Issuer:          "https://auth.example.com",
			SupportedScopes: []string{"openid", "email", "read", "write"},
			RequirePKCE:     true,
		}
	}

	srv, err := server.New(codec, store, store, store, config, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	srv.SetPersonalTokenStore(store)

	h := NewHandler(srv, nil)
	h.SetUserResolver(func(r *http.Request) (string, error) {
		return testUserID, nil
	})
	return h, srv
}

func registerClient(t *testing.T, srv *server.Server, clientType string, grantTypes []string) (string, string) {
	t.Helper()
	client, secret, err := srv.RegisterClient(context.Background(),
		"Test Client", clientType, "",
		[]string{"https://example.com/callback"},
		grantTypes,
		[]string{"openid", "read", "write"},
		"192.168.1.50")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client.ClientID, secret
}

func postForm(h http.HandlerFunc, form url.Values, clientID, clientSecret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decodeTokenResponse(t *testing.T, w *httptest.ResponseRecorder) *TokenResponse {
	t.Helper()
	var resp TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding token response: %v", err)
	}
	return &resp
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return body["error"]
}

func TestHandler_ServeToken_ClientCredentials(t *testing.T) {
	h, srv := setupTestHandler(t, nil)
	clientID, secret := registerClient(t, srv, server.ClientTypeConfidential,
		[]string{server.GrantTypeClientCredentials})

	t.Run("success", func(t *testing.T) {
		w := postForm(h.ServeToken, url.Values{
			"grant_type": {server.GrantTypeClientCredentials},
			"scope":      {"read"},
		}, clientID, secret)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if got := w.Header().Get("Cache-Control"); got != "no-store" {
			t.Errorf("Cache-Control = %q, want no-store", got)
		}
		resp := decodeTokenResponse(t, w)
		if resp.AccessToken == "" || resp.TokenType != "Bearer" {
			t.Errorf("response = %+v", resp)
		}
		if resp.RefreshToken != "" {
			t.Error("client_credentials response carries a refresh token")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		w := postForm(h.ServeToken, url.Values{
			"grant_type": {server.GrantTypeClientCredentials},
		}, clientID, "wrong")

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if errorCode(t, w) != server.ErrorCodeInvalidClient {
			t.Error("expected invalid_client")
		}
		if w.Header().Get("WWW-Authenticate") == "" {
			t.Error("401 without WWW-Authenticate header")
		}
	})

	t.Run("form credentials accepted", func(t *testing.T) {
		w := postForm(h.ServeToken, url.Values{
			"grant_type":    {server.GrantTypeClientCredentials},
			"client_id":     {clientID},
			"client_secret": {secret},
		}, "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		w := postForm(h.ServeToken, url.Values{
			"grant_type": {"implicit"},
		}, clientID, secret)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		if errorCode(t, w) != server.ErrorCodeUnsupportedGrantType {
			t.Error("expected unsupported_grant_type")
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/token", nil)
		w := httptest.NewRecorder()
		h.ServeToken(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", w.Code)
		}
	})
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	h, srv := setupTestHandler(t, nil)
	clientID, _ := registerClient(t, srv, server.ClientTypePublic, nil)

	verifier, challenge := testutil.PKCEPair(50)
	state := testutil.GenerateRandomString(43)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"https://example.com/callback"},
		"scope":                 {"openid"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {server.PKCEMethodS256},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", loc)
	}
	if loc.Query().Get("state") != state {
		t.Error("state not echoed back")
	}

	// Exchange the code at the token endpoint
	tw := postForm(h.ServeToken, url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
		"client_id":     {clientID},
	}, "", "")
	if tw.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", tw.Code, tw.Body.String())
	}
	resp := decodeTokenResponse(t, tw)
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("expected access and refresh tokens")
	}

	// Replaying the code fails
	tw = postForm(h.ServeToken, url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
		"client_id":     {clientID},
	}, "", "")
	if tw.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", tw.Code)
	}
	if errorCode(t, tw) != server.ErrorCodeInvalidGrant {
		t.Error("expected invalid_grant on code replay")
	}
}

func TestHandler_ServeAuthorization_Errors(t *testing.T) {
	h, srv := setupTestHandler(t, nil)
	clientID, _ := registerClient(t, srv, server.ClientTypePublic, nil)
	_, challenge := testutil.PKCEPair(50)

	t.Run("unknown client is in-band", func(t *testing.T) {
		q := url.Values{
			"response_type": {"code"},
			"client_id":     {"nope"},
			"redirect_uri":  {"https://example.com/callback"},
		}
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
		w := httptest.NewRecorder()
		h.ServeAuthorization(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if errorCode(t, w) != server.ErrorCodeInvalidClient {
			t.Error("expected invalid_client")
		}
	})

	t.Run("invalid scope redirects with error", func(t *testing.T) {
		q := url.Values{
			"response_type":         {"code"},
			"client_id":             {clientID},
			"redirect_uri":          {"https://example.com/callback"},
			"scope":                 {"email"}, // not registered for this client
			"state":                 {"abc"},
			"code_challenge":        {challenge},
			"code_challenge_method": {server.PKCEMethodS256},
		}
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
		w := httptest.NewRecorder()
		h.ServeAuthorization(w, req)

		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", w.Code)
		}
		loc, err := url.Parse(w.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parsing Location: %v", err)
		}
		if loc.Query().Get("error") != server.ErrorCodeInvalidScope {
			t.Errorf("error = %q, want invalid_scope", loc.Query().Get("error"))
		}
		if loc.Query().Get("state") != "abc" {
			t.Error("state not echoed on error redirect")
		}
		if loc.Query().Get("code") != "" {
			t.Error("error redirect carries a code")
		}
	})

	t.Run("unsupported response type redirects", func(t *testing.T) {
		q := url.Values{
			"response_type": {"token"},
			"client_id":     {clientID},
			"redirect_uri":  {"https://example.com/callback"},
		}
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
		w := httptest.NewRecorder()
		h.ServeAuthorization(w, req)

		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", w.Code)
		}
		loc, _ := url.Parse(w.Header().Get("Location"))
		if loc.Query().Get("error") != server.ErrorCodeUnsupportedResponseType {
			t.Errorf("error = %q, want unsupported_response_type", loc.Query().Get("error"))
		}
	})

	t.Run("denied user redirects with access_denied", func(t *testing.T) {
		h.SetUserResolver(func(r *http.Request) (string, error) {
			return "", http.ErrNoCookie
		})
		defer h.SetUserResolver(func(r *http.Request) (string, error) { return testUserID, nil })

		q := url.Values{
			"response_type":         {"code"},
			"client_id":             {clientID},
			"redirect_uri":          {"https://example.com/callback"},
			"code_challenge":        {challenge},
			"code_challenge_method": {server.PKCEMethodS256},
		}
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
		w := httptest.NewRecorder()
		h.ServeAuthorization(w, req)

		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", w.Code)
		}
		loc, _ := url.Parse(w.Header().Get("Location"))
		if loc.Query().Get("error") != server.ErrorCodeAccessDenied {
			t.Errorf("error = %q, want access_denied", loc.Query().Get("error"))
		}
	})
}

func TestHandler_IntrospectionAndRevocation(t *testing.T) {
	h, srv := setupTestHandler(t, nil)
	clientID, secret := registerClient(t, srv, server.ClientTypeConfidential,
		[]string{server.GrantTypeClientCredentials})

	tw := postForm(h.ServeToken, url.Values{
		"grant_type": {server.GrantTypeClientCredentials},
		"scope":      {"read"},
	}, clientID, secret)
	if tw.Code != http.StatusOK {
		t.Fatalf("token status = %d", tw.Code)
	}
	accessToken := decodeTokenResponse(t, tw).AccessToken

	t.Run("active token", func(t *testing.T) {
		w := postForm(h.ServeTokenIntrospection, url.Values{
			"token": {accessToken},
		}, clientID, secret)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var resp IntrospectionResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if !resp.Active || resp.ClientID != clientID {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("garbage token is inactive not an error", func(t *testing.T) {
		w := postForm(h.ServeTokenIntrospection, url.Values{
			"token": {"garbage"},
		}, clientID, secret)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var resp IntrospectionResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Active {
			t.Error("garbage token reported active")
		}
	})

	t.Run("unauthenticated introspection rejected", func(t *testing.T) {
		w := postForm(h.ServeTokenIntrospection, url.Values{
			"token": {accessToken},
		}, "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("revocation always succeeds", func(t *testing.T) {
		for _, tok := range []string{accessToken, accessToken, "garbage"} {
			w := postForm(h.ServeTokenRevocation, url.Values{
				"token": {tok},
			}, clientID, secret)
			if w.Code != http.StatusOK {
				t.Errorf("revoke(%q) status = %d, want 200", tok, w.Code)
			}
		}

		// And the token is now inactive
		w := postForm(h.ServeTokenIntrospection, url.Values{
			"token": {accessToken},
		}, clientID, secret)
		var resp IntrospectionResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Active {
			t.Error("revoked token reported active")
		}
	})

	t.Run("missing token parameter", func(t *testing.T) {
		w := postForm(h.ServeTokenRevocation, url.Values{}, clientID, secret)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHandler_ServeAuthorizationServerMetadata(t *testing.T) {
	h, _ := setupTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, PathMetadata, nil)
	w := httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var meta AuthorizationServerMetadata
	if err := json.NewDecoder(w.Body).Decode(&meta); err != nil {
		t.Fatal(err)
	}
	if meta.Issuer != "https://auth.example.com" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != "https://auth.example.com"+PathToken {
		t.Errorf("token endpoint = %q", meta.TokenEndpoint)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != server.PKCEMethodS256 {
		t.Errorf("code challenge methods = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}
	for _, gt := range meta.GrantTypesSupported {
		if gt == server.GrantTypePassword {
			t.Error("password grant advertised while disabled")
		}
	}
}

func TestHandler_ServeClientRegistration(t *testing.T) {
	t.Run("requires registration token", func(t *testing.T) {
		h, _ := setupTestHandler(t, &server.Config{
			Issuer:                  "https://auth.example.com",
			RequirePKCE:             true,
			RegistrationAccessToken: "reg-token-secret",
		})

		body := `{"client_name":"cli","redirect_uris":["https://example.com/cb"]}`
		req := httptest.NewRequest(http.MethodPost, PathRegistration, strings.NewReader(body))
		w := httptest.NewRecorder()
		h.ServeClientRegistration(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}

		req = httptest.NewRequest(http.MethodPost, PathRegistration, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer reg-token-secret")
		w = httptest.NewRecorder()
		h.ServeClientRegistration(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	h, _ := setupTestHandler(t, &server.Config{
		Issuer:                        "https://auth.example.com",
		RequirePKCE:                   true,
		SupportedScopes:               []string{"openid", "read"},
		AllowPublicClientRegistration: true,
	})

	t.Run("public registration", func(t *testing.T) {
		body := `{
			"client_name": "My App",
			"redirect_uris": ["https://example.com/cb"],
			"token_endpoint_auth_method": "none",
			"scope": "openid read"
		}`
		req := httptest.NewRequest(http.MethodPost, PathRegistration, strings.NewReader(body))
		w := httptest.NewRecorder()
		h.ServeClientRegistration(w, req)

		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp ClientRegistrationResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.ClientID == "" {
			t.Error("no client_id in response")
		}
		if resp.ClientSecret != "" {
			t.Error("public client got a secret")
		}
		if resp.ClientType != server.ClientTypePublic {
			t.Errorf("client type = %q, want public", resp.ClientType)
		}
	})

	t.Run("bad redirect URI", func(t *testing.T) {
		body := `{"redirect_uris":["javascript:alert(1)"]}`
		req := httptest.NewRequest(http.MethodPost, PathRegistration, strings.NewReader(body))
		w := httptest.NewRecorder()
		h.ServeClientRegistration(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		if errorCode(t, w) != server.ErrorCodeInvalidRedirectURI {
			t.Error("expected invalid_redirect_uri")
		}
	})
}

func TestHandler_ValidateToken(t *testing.T) {
	h, srv := setupTestHandler(t, nil)
	clientID, secret := registerClient(t, srv, server.ClientTypeConfidential,
		[]string{server.GrantTypeClientCredentials})

	tw := postForm(h.ServeToken, url.Values{
		"grant_type": {server.GrantTypeClientCredentials},
		"scope":      {"read"},
	}, clientID, secret)
	accessToken := decodeTokenResponse(t, tw).AccessToken

	protected := h.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Error("no claims in context")
			return
		}
		w.Write([]byte(claims.ClientID))
	}))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+accessToken)
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Body.String() != clientID {
			t.Errorf("body = %q, want client ID", w.Body.String())
		}
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if w.Header().Get("WWW-Authenticate") == "" {
			t.Error("401 without WWW-Authenticate")
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
}

func TestHandler_Instrumented(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}

	h, srv := setupTestHandler(t, nil)
	srv.SetInstrumentation(inst)
	h = NewHandler(srv, nil)
	h.SetUserResolver(func(r *http.Request) (string, error) {
		return testUserID, nil
	})
	clientID, secret := registerClient(t, srv, server.ClientTypeConfidential,
		[]string{server.GrantTypeClientCredentials})

	// Requests flow through the span path without changing responses
	w := postForm(h.ServeToken, url.Values{
		"grant_type": {server.GrantTypeClientCredentials},
		"scope":      {"read"},
	}, clientID, secret)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = postForm(h.ServeToken, url.Values{
		"grant_type": {server.GrantTypeClientCredentials},
	}, clientID, "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}
