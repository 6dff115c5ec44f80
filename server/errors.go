package server

import (
	"errors"
)

// OAuth 2.0 error codes from RFC 6749 and RFC 6750.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeServerError             = "server_error"
)

// Request validation failures. They are returned wrapped with a description;
// compare with errors.Is.
var (
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInvalidClient           = errors.New("invalid client")
	ErrUnsupportedResponseType = errors.New("unsupported response type")
	ErrInvalidRedirectURI      = errors.New("invalid redirect URI")
	ErrInvalidScope            = errors.New("invalid scope")

	// ErrInvalidGrant covers unknown, expired, consumed, foreign and
	// redirect-mismatched grants as well as unmatched refresh tokens.
	// SECURITY: the cases are deliberately not distinguished.
	ErrInvalidGrant = errors.New("invalid grant")

	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// ErrAccessDenied is returned when no authenticated user is attached to the request
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidToken is returned for unknown or expired bearer access tokens
	ErrInvalidToken = errors.New("invalid token")

	// ErrInsufficientScope is returned when a bearer token lacks a required scope
	ErrInsufficientScope = errors.New("insufficient scope")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidRequest, ErrorCodeInvalidRequest},
	{ErrInvalidClient, ErrorCodeInvalidClient},
	{ErrUnsupportedResponseType, ErrorCodeUnsupportedResponseType},
	{ErrInvalidRedirectURI, ErrorCodeInvalidRedirectURI},
	{ErrInvalidScope, ErrorCodeInvalidScope},
	{ErrInvalidGrant, ErrorCodeInvalidGrant},
	{ErrUnsupportedGrantType, ErrorCodeUnsupportedGrantType},
	{ErrAccessDenied, ErrorCodeAccessDenied},
	{ErrInvalidToken, ErrorCodeInvalidToken},
	{ErrInsufficientScope, ErrorCodeInsufficientScope},
}

// ErrorCode returns the OAuth error code for err. Errors that do not wrap one
// of the package sentinels are infrastructure failures and map to
// "server_error". A nil error yields "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ErrorCodeServerError
}

// IsClientError reports whether err is a request validation failure rather
// than an infrastructure failure.
func IsClientError(err error) bool {
	return err != nil && ErrorCode(err) != ErrorCodeServerError
}
