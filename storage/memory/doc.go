// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by a single sync.RWMutex. Consuming a grant
// and replacing a token pair happen under the write lock, which makes them
// atomic with respect to each other. A background loop evicts expired grants;
// tokens are kept because their refresh token does not expire.
//
// The store is suitable for development, tests and single-instance
// deployments. Use storage/sqlstore or storage/valkey when state must survive
// restarts or be shared between instances.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := oauth.NewServer(store, cfg)
package memory
