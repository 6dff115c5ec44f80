// Package server implements the OAuth 2.0 authorization service.
//
// The Server validates authorization requests against registered clients,
// issues single-use authorization grants, and exchanges grants or refresh
// tokens for access tokens. It holds no state of its own: clients, grants and
// tokens live in the storage backends handed to New.
//
// Supported grant types are "authorization_code" and "refresh_token". Every
// exchange replaces the token of the (client, user) pair, and refreshing
// rotates the refresh token.
//
// Errors are sentinel values (ErrInvalidClient, ErrInvalidGrant, ...) wrapped
// with a description. ErrorCode maps any returned error to its OAuth wire code;
// errors that match no sentinel are infrastructure failures ("server_error").
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.New(store, store, store, &server.Config{
//	    SupportedScopes: []string{"review", "vote", "user"},
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	code, err := srv.Authorize(ctx, server.AuthorizeRequest{...})
package server
