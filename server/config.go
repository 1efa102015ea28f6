package server

import (
	"log/slog"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// PersonalTokenTTL is how long personal access tokens are valid.
	// Zero means personal tokens do not expire.
	PersonalTokenTTL int64 // seconds, default: 0 (no expiry)

	// RequirePKCE enforces PKCE for all authorization requests from public
	// clients. When true, code_challenge is mandatory (secure by default).
	// Only disable for backward compatibility with very old clients.
	// Default: true
	RequirePKCE bool // default: true

	// AllowPKCEPlain allows the 'plain' code_challenge_method.
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1.
	// When false, only S256 is accepted (secure by default).
	// Default: false
	AllowPKCEPlain bool // default: false

	// EnablePasswordGrant enables the resource owner password credentials
	// grant. It also requires a UserAuthenticator to be set on the server.
	// Default: false
	EnablePasswordGrant bool // default: false

	// DefaultScopes are granted when a request carries no scope parameter
	DefaultScopes []string

	// SupportedScopes lists the scopes the server knows about.
	// If empty, any scope string a client is registered for is allowed.
	SupportedScopes []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable if behind a trusted reverse proxy.
	// When false, uses direct connection IP (secure by default).
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to pick the right X-Forwarded-For entry.
	// Default: 1
	TrustedProxyCount int // default: 1

	// MaxClientsPerIP limits dynamic client registrations per IP address
	// Default: 10
	MaxClientsPerIP int // default: 10

	// ClockSkewGracePeriod is the grace period for token expiration checks
	// (in seconds), preventing false expiration errors due to clock drift.
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5

	// AllowPublicClientRegistration allows unauthenticated dynamic client
	// registration. WARNING: can lead to DoS via unlimited registration.
	// Default: false (registration requires RegistrationAccessToken)
	AllowPublicClientRegistration bool // default: false

	// RegistrationAccessToken is the token required for client registration.
	// Only checked if AllowPublicClientRegistration is false.
	RegistrationAccessToken string

	// AllowInsecureHTTP allows the issuer to use plain HTTP outside
	// localhost. WARNING: exposes tokens and credentials to interception.
	// Default: false
	AllowInsecureHTTP bool // default: false

	// AllowedCustomSchemes is a list of allowed custom redirect URI scheme
	// patterns (regex), for native and mobile clients. Empty allows all
	// RFC 3986 compliant schemes.
	AllowedCustomSchemes []string
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AuthorizationCodeTTL > 600 {
		// RFC 6749 recommends a maximum lifetime of 10 minutes
		config.AuthorizationCodeTTL = 600
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration.
// Uses a heuristic to detect a fresh config (all security bools false) versus
// one that was explicitly configured.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.EnablePasswordGrant &&
		!config.TrustProxy

	if isDefaultConfig {
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256")
	}
	if config.EnablePasswordGrant {
		logger.Warn("SECURITY WARNING: Password grant is ENABLED",
			"risk", "Clients handle user credentials directly",
			"recommendation", "Prefer the authorization code grant with PKCE")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("SECURITY WARNING: Public client registration is ENABLED",
			"risk", "DoS attacks via unlimited client registration",
			"recommendation", "Set AllowPublicClientRegistration=false and use RegistrationAccessToken")
	}
}
