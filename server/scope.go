package server

import (
	"fmt"
	"strings"
)

// ParseScope splits a scope parameter into individual scope values per
// RFC 6749 Section 3.3 (space-delimited), dropping empty entries and
// duplicates while preserving first-seen order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(fields))
	scopes := make([]string, 0, len(fields))
	for _, sc := range fields {
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		scopes = append(scopes, sc)
	}
	return scopes
}

// FormatScope joins scope values back into a scope parameter
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// validateScopes validates that requested scopes are known to the server
func (s *Server) validateScopes(scope string) error {
	// If no scopes configured, allow all
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	if scope == "" {
		return nil
	}

	for _, reqScope := range ParseScope(scope) {
		found := false
		for _, supportedScope := range s.Config.SupportedScopes {
			if reqScope == supportedScope {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}

	return nil
}

// validateClientScopes validates that requested scopes are a subset of the
// scopes the client is registered for. This prevents scope escalation where
// a compromised client obtains unauthorized access to resources.
//
// Behavior:
// - If clientScopes is empty: allow all scopes
// - Otherwise: requested scopes MUST be a subset of clientScopes
// - Empty requested scope is always allowed
func (s *Server) validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}

	if requestedScope == "" {
		return nil
	}

	for _, reqScope := range ParseScope(requestedScope) {
		found := false
		for _, allowedScope := range clientScopes {
			if reqScope == allowedScope {
				found = true
				break
			}
		}
		if !found {
			// Generic error so attackers cannot enumerate allowed scopes
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}

	return nil
}

// grantScopes resolves the scope to grant for a token request: the requested
// scopes when present (validated as a subset of server-supported and
// client-registered scopes), otherwise the configured defaults limited to
// what the client may hold.
func (s *Server) grantScopes(requestedScope string, clientScopes []string) (string, *Error) {
	if requestedScope == "" {
		defaults := s.Config.DefaultScopes
		if len(clientScopes) > 0 {
			defaults = intersectScopes(defaults, clientScopes)
		}
		return FormatScope(defaults), nil
	}

	if err := s.validateScopes(requestedScope); err != nil {
		return "", ErrInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(requestedScope, clientScopes); err != nil {
		return "", ErrInvalidScope(err.Error())
	}

	return FormatScope(ParseScope(requestedScope)), nil
}

// intersectScopes returns the scopes present in both lists, preserving the
// order of the first list.
func intersectScopes(scopes, allowed []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, sc := range allowed {
		allowedSet[sc] = struct{}{}
	}

	var out []string
	for _, sc := range scopes {
		if _, ok := allowedSet[sc]; ok {
			out = append(out, sc)
		}
	}
	return out
}
