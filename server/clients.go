package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/authkit-io/oauth-server/security"
	"github.com/authkit-io/oauth-server/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Grant type constants (RFC 6749)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"
)

// RegisterClient registers a new OAuth client with IP-based DoS protection.
// tokenEndpointAuthMethod determines how the client authenticates at the token endpoint:
// - "none": public client (no secret, PKCE-only auth), used by native/CLI apps
// - "client_secret_basic": confidential client (Basic Auth with secret), the default
// - "client_secret_post": confidential client (POST form with secret)
//
// The generated plaintext secret is returned exactly once; only its bcrypt
// hash is stored.
func (s *Server) RegisterClient(ctx context.Context, clientName, clientType, tokenEndpointAuthMethod string, redirectURIs, grantTypes, scopes []string, clientIP string) (*storage.Client, string, error) {
	if err := s.clientStore.CheckIPLimit(ctx, clientIP, s.Config.MaxClientsPerIP); err != nil {
		return nil, "", err
	}

	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}

	// Redirect URIs are only meaningful for redirect-based grants.
	if slices.Contains(grantTypes, GrantTypeAuthorizationCode) {
		if err := s.validateRedirectURIsForRegistration(redirectURIs, clientIP); err != nil {
			return nil, "", err
		}
	}

	if err := s.validateScopes(FormatScope(scopes)); err != nil {
		return nil, "", fmt.Errorf("invalid_client_metadata: %w", err)
	}

	clientID := generateRandomToken()
	clientType, tokenEndpointAuthMethod = resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod)
	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", err
	}
	for _, gt := range grantTypes {
		if err := validateRequestedGrantType(gt, clientType); err != nil {
			return nil, "", err
		}
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: tokenEndpointAuthMethod,
		GrantTypes:              grantTypes,
		ClientName:              clientName,
		Scopes:                  scopes,
		CreatedAt:               time.Now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.trackClientIPAndLog(client, clientIP)
	return client, clientSecret, nil
}

// validateRedirectURIsForRegistration validates redirect URIs and logs failures for auditing.
func (s *Server) validateRedirectURIsForRegistration(redirectURIs []string, clientIP string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("invalid_redirect_uri: at least one redirect URI is required")
	}

	for _, uri := range redirectURIs {
		if err := validateRedirectURISecurity(uri, s.Config.Issuer, s.Config.AllowedCustomSchemes); err != nil {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type: security.EventClientRegistrationRejected,
					Details: map[string]any{
						"reason":    "redirect_uri_validation_failed",
						"client_ip": clientIP,
					},
				})
			}
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err.Error(),
				"client_ip", clientIP)
			return fmt.Errorf("invalid_redirect_uri: %w", err)
		}
	}
	return nil
}

// resolveClientTypeAndAuthMethod determines the client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method determines client type.
func resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod string) (string, string) {
	if tokenEndpointAuthMethod == TokenEndpointAuthMethodNone {
		clientType = ClientTypePublic
	} else if clientType == "" {
		clientType = ClientTypeConfidential
	}

	if tokenEndpointAuthMethod == "" {
		if clientType == ClientTypePublic {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodNone
		} else {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
		}
	}

	return clientType, tokenEndpointAuthMethod
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// validateRequestedGrantType rejects grant types the server does not offer
// or that are incompatible with the client type.
func validateRequestedGrantType(grantType, clientType string) error {
	switch grantType {
	case GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypePassword:
		return nil
	case GrantTypeClientCredentials:
		if clientType != ClientTypeConfidential {
			return fmt.Errorf("invalid_client_metadata: client_credentials requires a confidential client")
		}
		return nil
	default:
		return fmt.Errorf("invalid_client_metadata: unsupported grant type %q", grantType)
	}
}

// trackClientIPAndLog tracks the IP for DoS protection and logs the registration.
func (s *Server) trackClientIPAndLog(client *storage.Client, clientIP string) {
	type ipTracker interface {
		TrackClientIP(ip string)
	}
	if tracker, ok := s.clientStore.(ipTracker); ok {
		tracker.TrackClientIP(clientIP)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)
}

// GetClient retrieves a client by ID (for use by handler)
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// AuthenticateClient resolves and authenticates a client at the token
// endpoint. Confidential clients must present their secret; public clients
// must not present one. Unknown clients and bad secrets produce the same
// invalid_client error so client IDs cannot be enumerated.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, *Error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client authentication required")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, clientIP, "unknown client")
		}
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.Confidential() {
		if clientSecret == "" {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", clientID, clientIP, "missing client secret")
			}
			return nil, ErrInvalidClient("client authentication failed")
		}
		if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			if errors.Is(err, storage.ErrInvalidClientSecret) {
				if s.Auditor != nil {
					s.Auditor.LogAuthFailure("", clientID, clientIP, "invalid client secret")
				}
				return nil, ErrInvalidClient("client authentication failed")
			}
			return nil, ErrServerError("client authentication unavailable")
		}
		return client, nil
	}

	// Public client: a presented secret is a configuration error on the
	// client side, not an authentication success path
	if clientSecret != "" {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, clientIP, "secret presented by public client")
		}
		return nil, ErrInvalidClient("client authentication failed")
	}

	return client, nil
}

// validateGrantType checks that a client is registered for a grant type
func (s *Server) validateGrantType(client *storage.Client, grantType string) *Error {
	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return nil
		}
	}
	return ErrUnauthorizedClient(fmt.Sprintf("client is not authorized for grant type %q", grantType))
}
