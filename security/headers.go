package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers on OAuth endpoint responses.
// The CSP is maximally strict because these endpoints never serve active
// content; HSTS is emitted only when the issuer itself is HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// RFC 6749 Section 5.1: token responses must not be cached
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
