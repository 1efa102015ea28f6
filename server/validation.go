package server

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/authkit-io/oauth-server/storage"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// AllowedHTTPSchemes lists allowed HTTP-based redirect URI schemes
	AllowedHTTPSchemes = []string{SchemeHTTP, SchemeHTTPS}

	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}

	// LoopbackAddresses lists recognized loopback addresses for development
	LoopbackAddresses = []string{"localhost", "127.0.0.1", "::1", "[::1]"}
)

// validateHTTPSEnforcement ensures the server runs over HTTPS outside of
// localhost development. OAuth over HTTP exposes all tokens, authorization
// codes, and client credentials to network interception.
//
// The validation logic:
// - HTTPS URLs: always allowed
// - HTTP on localhost: allowed with warning (development)
// - HTTP on non-localhost: blocked unless AllowInsecureHTTP=true
func (s *Server) validateHTTPSEnforcement() error {
	// Empty issuer fails elsewhere with a more appropriate error
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if issuerURL.Scheme == SchemeHTTPS {
		return nil
	}

	if issuerURL.Scheme == SchemeHTTP {
		hostname := issuerURL.Hostname()

		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"risk", "Credentials exposed on local network",
					"to_suppress", "Set AllowInsecureHTTP=true in Config")
			}
			return nil
		}

		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"issuer must use HTTPS in production (got %s://%s); "+
					"OAuth over HTTP exposes tokens and credentials to interception; "+
					"set AllowInsecureHTTP=true only for local development",
				issuerURL.Scheme,
				hostname,
			)
		}

		s.Logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
			"action_required", "Switch to HTTPS immediately")

		return nil
	}

	return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// This includes IPv4 loopback (entire 127.0.0.0/8 range per RFC 1122),
// IPv6 loopback (::1), the localhost hostname, and 0.0.0.0 (bind-all in dev).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// url.Hostname() may keep brackets around IPv6 literals
	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// validateRedirectURI validates that a redirect URI is registered and secure
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	// Exact string match against registered URIs, no pattern matching
	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}

	return validateRedirectURISecurity(redirectURI, s.Config.Issuer, s.Config.AllowedCustomSchemes)
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
// Returns error if the scheme is dangerous or not in the allowed list
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	for _, dangerous := range DangerousSchemes {
		if schemeLower == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
		}
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}

// isLoopbackAddress checks if a hostname is a loopback address
func isLoopbackAddress(hostname string) bool {
	hostname = strings.Trim(hostname, "[]")
	hostname = strings.TrimSpace(hostname)

	for _, loopback := range LoopbackAddresses {
		if hostname == loopback {
			return true
		}
	}

	return strings.HasPrefix(hostname, "127.") || strings.HasPrefix(hostname, "localhost:")
}

// validateRedirectURISecurity performs security validation on redirect URIs
// per OAuth 2.0 Security Best Current Practice
func validateRedirectURISecurity(redirectURI, serverIssuer string, allowedCustomSchemes []string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	scheme := strings.ToLower(parsed.Scheme)

	isHTTP := false
	for _, httpScheme := range AllowedHTTPSchemes {
		if scheme == httpScheme {
			isHTTP = true
			break
		}
	}

	if isHTTP {
		hostname := strings.ToLower(parsed.Hostname())

		// Loopback redirect targets stay permitted for native-app development
		isLoopback := isLoopbackAddress(hostname)

		if !isLoopback && scheme != SchemeHTTPS {
			if serverParsed, err := url.Parse(serverIssuer); err == nil {
				if serverParsed.Scheme == SchemeHTTPS {
					return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
				}
			}
		}
	} else {
		// Custom scheme (for native/mobile apps)
		if err := validateCustomScheme(scheme, allowedCustomSchemes); err != nil {
			return err
		}
	}

	return nil
}
