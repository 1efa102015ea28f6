package oauth

import (
	"github.com/authkit-io/oauth-server/server"
)

// Error is the OAuth 2.0 error type shared with the server package.
// Handlers receive it from every grant operation and map it straight onto
// the wire: the Code and Description become the JSON body, the Status the
// HTTP status code.
type Error = server.Error

// OAuth 2.0 error codes (RFC 6749), re-exported for embedding applications
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
)
