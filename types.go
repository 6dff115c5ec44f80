package oauth

import (
	"github.com/critiquebrainz/cbauth/server"
)

// TokenResponse is the body of a successful /token response
type TokenResponse = server.TokenResponse

// ClientInfo is the public description of a client
type ClientInfo = server.ClientInfo

// AuthorizeResponse is the body of a successful /authorize response
type AuthorizeResponse struct {
	// Code is the authorization code to hand to the client's redirect URI
	Code string `json:"code"`
}

// ValidateResponse is the body of a successful /validate response
type ValidateResponse struct {
	Client *ClientInfo `json:"client"`
}
