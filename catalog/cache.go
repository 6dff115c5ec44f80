package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// Cache stores upstream responses by key
type Cache interface {
	// Get returns the value stored under key, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheKey builds a bounded cache key from an operation name, the data
// source and the ordered request parameters. Parameters are hashed, so
// arbitrarily long queries and ID lists map to fixed-length keys.
func CacheKey(operation, source string, params ...any) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		fmt.Fprint(&b, p)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return source + ":" + operation + ":" + hex.EncodeToString(sum[:])
}
