package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authkit-io/oauth-server/instrumentation"
	"github.com/authkit-io/oauth-server/security"
	"github.com/authkit-io/oauth-server/server"
	"github.com/authkit-io/oauth-server/token"
)

// Endpoint paths registered by RegisterRoutes.
const (
	PathAuthorize     = "/oauth/authorize"
	PathToken         = "/oauth/token"
	PathIntrospection = "/oauth/introspect"
	PathRevocation    = "/oauth/revoke"
	PathRegistration  = "/oauth/register"
	PathMetadata      = "/.well-known/oauth-authorization-server"
)

type contextKey string

// claimsContextKey carries the validated token claims through middleware
const claimsContextKey contextKey = "oauth_claims"

// ClaimsFromContext returns the token claims stored by ValidateToken middleware.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	return claims, ok
}

// UserResolver identifies the authenticated resource owner for an
// authorization request. The host application supplies this; typically it
// reads a session cookie or delegates to an upstream identity provider.
// Returning an error denies the authorization request.
type UserResolver func(r *http.Request) (userID string, err error)

// Handler exposes the authorization server over HTTP.
type Handler struct {
	server       *server.Server
	logger       *slog.Logger
	userResolver UserResolver
	tracer       trace.Tracer
}

// NewHandler creates an HTTP handler for the given authorization server.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server: srv,
		logger: logger,
	}
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}
	return h
}

// SetUserResolver installs the resource owner resolver used by the
// authorization endpoint. Without one, authorization requests fail.
func (h *Handler) SetUserResolver(resolver UserResolver) {
	h.userResolver = resolver
}

// RegisterRoutes registers all OAuth endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathIntrospection, h.ServeTokenIntrospection)
	mux.HandleFunc(PathRevocation, h.ServeTokenRevocation)
	mux.HandleFunc(PathRegistration, h.ServeClientRegistration)
	mux.HandleFunc(PathMetadata, h.ServeAuthorizationServerMetadata)
}

func (h *Handler) clientIP(r *http.Request) string {
	cfg := h.server.Config
	return security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
}

// checkRateLimit applies the IP rate limiter when one is configured.
// Returns false after writing a 429 response.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil {
		return true
	}
	if h.server.RateLimiter.Allow(clientIP) {
		return true
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if m := h.server.Instrumentation.Metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context())
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Retry-After", "1")
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// startSpan opens a span for one HTTP request and returns the request with
// the span context attached. The request passes through unchanged when no
// tracer is configured; finishSpan tolerates the resulting noop span.
func (h *Handler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	if h.tracer == nil {
		return r, nil
	}
	ctx, span := h.tracer.Start(r.Context(), name)
	return r.WithContext(ctx), span
}

// finishSpan stamps request attributes and outcome on a span and ends it
func finishSpan(span trace.Span, endpoint, method string, status int) {
	if span == nil {
		return
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
		attribute.String(instrumentation.AttrHTTPMethod, method),
		attribute.Int(instrumentation.AttrHTTPStatusCode, status),
	)
	if status >= http.StatusBadRequest {
		instrumentation.SetSpanError(span, http.StatusText(status))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

func (h *Handler) recordRequest(ctx context.Context, endpoint, method string, status int, start time.Time) {
	if m := h.server.Instrumentation.Metrics(); m != nil {
		m.RecordHTTPRequest(ctx, endpoint, method, status, float64(time.Since(start).Milliseconds()))
	}
}

// writeJSON writes v as a JSON response with security headers.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an RFC 6749 error response body.
func (h *Handler) writeError(w http.ResponseWriter, e *server.Error) {
	if e.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", error="`+e.Code+`"`)
	}
	h.writeJSON(w, e.Status, map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
}

// redirectError delivers an authorization error to the client's redirect URI
// per RFC 6749 Section 4.1.2.1.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, e *server.Error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, e)
		return
	}
	q := u.Query()
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// redirectRegistered reports whether redirectURI is registered for the
// client, so authorization errors can be safely delivered by redirect.
func (h *Handler) redirectRegistered(ctx context.Context, clientID, redirectURI string) bool {
	if clientID == "" || redirectURI == "" {
		return false
	}
	client, err := h.server.GetClient(ctx, clientID)
	if err != nil {
		return false
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// ServeAuthorization handles the authorization endpoint (RFC 6749 Section 3.1).
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusFound
	r, span := h.startSpan(r, "oauth.http.authorize")
	defer func() { finishSpan(span, PathAuthorize, r.Method, status) }()
	defer func() { h.recordRequest(r.Context(), PathAuthorize, r.Method, status, start) }()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", status)
		return
	}
	if err := r.ParseForm(); err != nil {
		status = http.StatusBadRequest
		h.writeError(w, server.ErrInvalidRequest("malformed request"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, clientIP) {
		status = http.StatusTooManyRequests
		return
	}

	ctx := r.Context()
	clientID := r.Form.Get("client_id")
	redirectURI := r.Form.Get("redirect_uri")
	state := r.Form.Get("state")
	canRedirect := h.redirectRegistered(ctx, clientID, redirectURI)

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrScope, r.Form.Get("scope")),
		attribute.String(instrumentation.AttrPKCEMethod, r.Form.Get("code_challenge_method")),
	)

	if rt := r.Form.Get("response_type"); rt != "code" {
		e := server.NewError(server.ErrorCodeUnsupportedResponseType, "only the code response type is supported", http.StatusBadRequest)
		if canRedirect {
			h.redirectError(w, r, redirectURI, state, e)
			return
		}
		status = e.Status
		h.writeError(w, e)
		return
	}

	if h.userResolver == nil {
		h.logger.Error("authorization request received without a user resolver")
		status = http.StatusInternalServerError
		h.writeError(w, server.ErrServerError("authorization is not configured"))
		return
	}
	userID, err := h.userResolver(r)
	if err != nil || userID == "" {
		e := server.NewError(server.ErrorCodeAccessDenied, "resource owner authentication failed", http.StatusForbidden)
		if canRedirect {
			h.redirectError(w, r, redirectURI, state, e)
			return
		}
		status = e.Status
		h.writeError(w, e)
		return
	}

	code, authErr := h.server.Authorize(ctx, &server.AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               r.Form.Get("scope"),
		State:               state,
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		UserID:              userID,
	})
	if authErr != nil {
		if authErr.Redirectable() && canRedirect {
			h.redirectError(w, r, redirectURI, state, authErr)
			return
		}
		status = authErr.Status
		h.writeError(w, authErr)
		return
	}

	u, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		status = http.StatusBadRequest
		h.writeError(w, server.ErrInvalidRedirectURI("malformed redirect URI"))
		return
	}
	q := u.Query()
	q.Set("code", code.Code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// clientCredentialsFromRequest extracts client credentials. HTTP Basic
// authentication takes precedence over form parameters (RFC 6749 Section 2.3.1).
func clientCredentialsFromRequest(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// Basic auth credentials are form-urlencoded per RFC 6749
		if decodedID, err := url.QueryUnescape(id); err == nil {
			id = decodedID
		}
		if decodedSecret, err := url.QueryUnescape(secret); err == nil {
			secret = decodedSecret
		}
		return id, secret
	}
	return r.Form.Get("client_id"), r.Form.Get("client_secret")
}

// ServeToken handles the token endpoint (RFC 6749 Section 3.2).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	r, span := h.startSpan(r, "oauth.http.token")
	defer func() { finishSpan(span, PathToken, r.Method, status) }()
	defer func() { h.recordRequest(r.Context(), PathToken, r.Method, status, start) }()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", status)
		return
	}
	if err := r.ParseForm(); err != nil {
		status = http.StatusBadRequest
		h.writeError(w, server.ErrInvalidRequest("malformed request body"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, clientIP) {
		status = http.StatusTooManyRequests
		return
	}

	ctx := r.Context()
	clientID, clientSecret := clientCredentialsFromRequest(r)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, r.Form.Get("grant_type")),
	)
	client, authErr := h.server.AuthenticateClient(ctx, clientID, clientSecret, clientIP)
	if authErr != nil {
		status = authErr.Status
		h.writeError(w, authErr)
		return
	}

	var (
		resp     *server.TokenResponse
		grantErr *server.Error
	)
	switch grantType := r.Form.Get("grant_type"); grantType {
	case server.GrantTypeAuthorizationCode:
		resp, grantErr = h.server.ExchangeAuthorizationCode(ctx, client,
			r.Form.Get("code"),
			r.Form.Get("redirect_uri"),
			r.Form.Get("code_verifier"))
	case server.GrantTypeClientCredentials:
		resp, grantErr = h.server.ClientCredentials(ctx, client, r.Form.Get("scope"))
	case server.GrantTypeRefreshToken:
		resp, grantErr = h.server.RefreshAccessToken(ctx, client, r.Form.Get("refresh_token"))
	case server.GrantTypePassword:
		resp, grantErr = h.server.PasswordCredentials(ctx, client,
			r.Form.Get("username"),
			r.Form.Get("password"),
			r.Form.Get("scope"))
	case "":
		grantErr = server.ErrInvalidRequest("grant_type is required")
	default:
		grantErr = server.ErrUnsupportedGrantType("unsupported grant type: " + grantType)
	}
	if grantErr != nil {
		status = grantErr.Status
		h.writeError(w, grantErr)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenIntrospection handles token introspection (RFC 7662).
// The caller must authenticate; any failure to resolve the token yields
// an active:false response rather than an error.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	r, span := h.startSpan(r, "oauth.http.introspect")
	defer func() { finishSpan(span, PathIntrospection, r.Method, status) }()
	defer func() { h.recordRequest(r.Context(), PathIntrospection, r.Method, status, start) }()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", status)
		return
	}
	if err := r.ParseForm(); err != nil {
		status = http.StatusBadRequest
		h.writeError(w, server.ErrInvalidRequest("malformed request body"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, clientIP) {
		status = http.StatusTooManyRequests
		return
	}

	ctx := r.Context()
	clientID, clientSecret := clientCredentialsFromRequest(r)
	if _, authErr := h.server.AuthenticateClient(ctx, clientID, clientSecret, clientIP); authErr != nil {
		status = authErr.Status
		h.writeError(w, authErr)
		return
	}

	rawToken := r.Form.Get("token")
	if rawToken == "" {
		status = http.StatusBadRequest
		h.writeError(w, server.ErrInvalidRequest("token is required"))
		return
	}

	resp, err := h.server.Introspect(ctx, rawToken)
	if err != nil {
		h.logger.Error("introspection failed", "error", err)
		resp = &server.IntrospectionResponse{Active: false}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles token revocation (RFC 7009). Revoking an
// unknown or already-revoked token still returns 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	r, span := h.startSpan(r, "oauth.http.revoke")
	defer func() { finishSpan(span, PathRevocation, r.Method, status) }()
	defer func() { h.recordRequest(r.Context(), PathRevocation, r.Method, status, start) }()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", status)
		return
	}
	if err := r.ParseForm(); err != nil {
		status = http.StatusBadRequest
		h.writeError(w, server.ErrInvalidRequest("malformed request body"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, clientIP) {
		status = http.StatusTooManyRequests
		return
	}

	rawToken := r.Form.Get("token")
	if rawToken == "" {
		status = http.StatusBadRequest
		h.writeError(w, server.ErrInvalidRequest("token is required"))
		return
	}

	ctx := r.Context()
	clientID, clientSecret := clientCredentialsFromRequest(r)
	client, authErr := h.server.AuthenticateClient(ctx, clientID, clientSecret, clientIP)
	if authErr != nil {
		status = authErr.Status
		h.writeError(w, authErr)
		return
	}

	if err := h.server.RevokeToken(ctx, client, rawToken, clientIP); err != nil {
		h.logger.Error("revocation failed", "error", err)
		status = http.StatusInternalServerError
		h.writeError(w, server.ErrServerError("revocation failed"))
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeAuthorizationServerMetadata serves the discovery document (RFC 8414).
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() { h.recordRequest(r.Context(), PathMetadata, r.Method, status, start) }()

	if r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", status)
		return
	}

	cfg := h.server.Config
	issuer := strings.TrimSuffix(cfg.Issuer, "/")

	grantTypes := []string{
		server.GrantTypeAuthorizationCode,
		server.GrantTypeClientCredentials,
		server.GrantTypeRefreshToken,
	}
	if cfg.EnablePasswordGrant {
		grantTypes = append(grantTypes, server.GrantTypePassword)
	}
	challengeMethods := []string{server.PKCEMethodS256}
	if cfg.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, server.PKCEMethodPlain)
	}

	meta := AuthorizationServerMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + PathAuthorize,
		TokenEndpoint:         issuer + PathToken,
		IntrospectionEndpoint: issuer + PathIntrospection,
		RevocationEndpoint:    issuer + PathRevocation,
		RegistrationEndpoint:  issuer + PathRegistration,
		ScopesSupported:       cfg.SupportedScopes,
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: grantTypes,
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodPost,
			server.TokenEndpointAuthMethodNone,
		},
		CodeChallengeMethodsSupported: challengeMethods,
	}
	h.writeJSON(w, http.StatusOK, meta)
}

// validateRegistrationToken checks the bearer token required for dynamic
// client registration when public registration is disabled.
func (h *Handler) validateRegistrationToken(r *http.Request) bool {
	cfg := h.server.Config
	if cfg.AllowPublicClientRegistration {
		return true
	}
	if cfg.RegistrationAccessToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	presented := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.RegistrationAccessToken)) == 1
}

// ServeClientRegistration handles dynamic client registration (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusCreated
	r, span := h.startSpan(r, "oauth.http.register")
	defer func() { finishSpan(span, PathRegistration, r.Method, status) }()
	defer func() { h.recordRequest(r.Context(), PathRegistration, r.Method, status, start) }()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", status)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, clientIP) {
		status = http.StatusTooManyRequests
		return
	}

	if !h.validateRegistrationToken(r) {
		status = http.StatusUnauthorized
		h.writeError(w, server.ErrInvalidClient("registration requires a valid access token"))
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		status = http.StatusBadRequest
		h.writeError(w, server.ErrInvalidRequest("malformed registration request"))
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(),
		req.ClientName,
		req.ClientType,
		req.TokenEndpointAuthMethod,
		req.RedirectURIs,
		req.GrantTypes,
		server.ParseScope(req.Scope),
		clientIP)
	if err != nil {
		status = http.StatusBadRequest
		code := "invalid_client_metadata"
		if strings.HasPrefix(err.Error(), "invalid_redirect_uri") {
			code = server.ErrorCodeInvalidRedirectURI
		}
		h.writeJSON(w, status, map[string]string{
			"error":             code,
			"error_description": err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientName:              client.ClientName,
		ClientType:              client.ClientType,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		Scope:                   server.FormatScope(client.Scopes),
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}

// ValidateToken is middleware that requires a valid bearer access token.
// Validated claims are stored in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="oauth"`)
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":             server.ErrorCodeInvalidToken,
				"error_description": "missing bearer token",
			})
			return
		}
		claims, validateErr := h.server.ValidateAccessToken(r.Context(), strings.TrimPrefix(auth, prefix))
		if validateErr != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="oauth", error="`+validateErr.Code+`"`)
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":             validateErr.Code,
				"error_description": validateErr.Description,
			})
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
