package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/authkit-io/oauth-server/instrumentation"
	"github.com/authkit-io/oauth-server/internal/util"
	"github.com/authkit-io/oauth-server/security"
	"github.com/authkit-io/oauth-server/storage"
	"github.com/authkit-io/oauth-server/token"
)

// safeTruncate caps token and code values before they reach the log stream
func safeTruncate(s string, maxLen int) string {
	return util.SafeTruncate(s, maxLen)
}

// UserAccount identifies an authenticated resource owner and the scopes
// their role permits. It is returned by UserAuthenticator implementations.
type UserAccount struct {
	ID            string
	Username      string
	AllowedScopes []string
}

// UserAuthenticator verifies resource owner credentials for the password
// grant. Implementations must return an error for any credential mismatch
// without distinguishing unknown users from wrong passwords.
type UserAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (*UserAccount, error)
}

// Server implements the OAuth 2.1 authorization server logic.
// It coordinates grant processing across the token codec and storage backends.
type Server struct {
	codec                    *token.Codec
	tokenStore               storage.TokenStore
	clientStore              storage.ClientStore
	flowStore                storage.FlowStore
	personalStore            storage.PersonalTokenStore
	users                    UserAuthenticator
	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	UserRateLimiter          *security.RateLimiter // User-based rate limiter (authenticated requests)
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Instrumentation          *instrumentation.Instrumentation
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates a new OAuth server
func New(
	codec *token.Codec,
	tokenStore storage.TokenStore,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	// JWT expiry validation tolerates the same clock skew as the storage
	// layer's lazy expiry checks
	codec.SetLeeway(time.Duration(config.ClockSkewGracePeriod) * time.Second)

	srv := &Server{
		codec:       codec,
		tokenStore:  tokenStore,
		clientStore: clientStore,
		flowStore:   flowStore,
		Config:      config,
		Logger:      logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetPersonalTokenStore enables the personal access token surface
func (s *Server) SetPersonalTokenStore(store storage.PersonalTokenStore) {
	s.personalStore = store
}

// SetUserAuthenticator sets the resource owner credential verifier used by
// the password grant. The grant stays disabled until both this and
// Config.EnablePasswordGrant are set.
func (s *Server) SetUserAuthenticator(users UserAuthenticator) {
	s.users = users
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetUserRateLimiter sets the user-based rate limiter for authenticated requests
func (s *Server) SetUserRateLimiter(rl *security.RateLimiter) {
	s.UserRateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation sets the metrics and tracing sink
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, secrets, state parameters, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
