// Package catalog looks up album metadata in the Spotify Web API through a
// shared response cache.
//
// Responses are stored as raw JSON under keys built by CacheKey and expire
// after DefaultCacheTTL. Two Cache implementations are provided: MemoryCache
// for single-process deployments and tests, and ValkeyCache for deployments
// that share a Valkey instance with the token store.
//
// Outbound calls pass through a token-bucket limiter so that a burst of cache
// misses cannot exhaust the upstream API quota. Cache failures are logged and
// the lookup falls through to the upstream API.
package catalog
