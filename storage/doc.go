// Package storage provides interfaces and utilities for OAuth client, grant, and token persistence.
//
// The storage package defines the core storage interfaces used throughout the server:
//   - ClientStore: the registry of OAuth client applications
//   - GrantStore: single-use authorization grants (codes)
//   - TokenStore: access/refresh token pairs, at most one per (client, user)
//
// Lookups report absence with the ErrClientNotFound, ErrGrantNotFound and
// ErrTokenNotFound sentinels; every other error is an infrastructure failure.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/sqlstore: SQLite and MySQL storage through database/sql
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
