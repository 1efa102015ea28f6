package server

import (
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes from RFC 6749 (and RFC 7009/7662 for the token
// endpoints layered on top).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
)

// Error is an OAuth 2.0 error response. It is the only error type that
// crosses the package boundary: every validation or storage failure is
// converted to one of these before leaving the core, carrying no more
// detail than RFC 6749 mandates.
type Error struct {
	Code        string // OAuth error code (e.g. "invalid_grant")
	Description string // human-readable description, safe for clients
	Status      int    // HTTP status code

	// redirectable marks errors that occur after the client identity and
	// redirect URI have been validated; only those may be returned to the
	// client via redirect per RFC 6749 Section 4.1.2.1.
	redirectable bool
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Redirectable reports whether the error may be delivered by redirecting
// to the client's (already validated) redirect URI.
func (e *Error) Redirectable() bool {
	return e.redirectable
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// Error constructors, one per taxonomy entry.
var (
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc, http.StatusUnauthorized)
	}

	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	ErrInvalidRedirectURI = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}
)

// redirectableError marks an error as deliverable via redirect.
func redirectableError(e *Error) *Error {
	e.redirectable = true
	return e
}

// AsError coerces any error into an *Error, collapsing unknown causes into
// a generic server_error so internal detail never reaches the wire.
func AsError(err error) *Error {
	if oauthErr, ok := err.(*Error); ok {
		return oauthErr
	}
	return ErrServerError("internal error")
}
