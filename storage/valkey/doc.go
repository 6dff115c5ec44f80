// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a key-value store that is wire-compatible with Redis. The Store
// type implements [storage.Store] and is suitable for deployments that run
// several server instances against shared state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "cbauth:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}          -> JSON(Client)
//	{prefix}grant:{code}               -> JSON(Grant) (PX ttl + grace period)
//	{prefix}token:{clientID}\x00{user} -> JSON(Token)
//	{prefix}access:{accessToken}       -> token key (PX ttl + grace period)
//	{prefix}refresh:{refreshToken}     -> token key
//
// # Atomic Operations
//
// Consuming a grant and replacing a token are single Lua scripts, so exactly
// one of several concurrent callers succeeds. Refresh rotation passes the old
// refresh token to the replace script, which refuses the swap if the pair's
// live token changed in the meantime.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "cbauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "valkey.example.com:6380",
//	    TLS:     &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
