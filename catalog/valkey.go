package catalog

import (
	"context"
	"fmt"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
)

// DefaultValkeyPrefix is prepended to every catalog key stored in Valkey
const DefaultValkeyPrefix = "cbauth:catalog:"

// ValkeyCache is a Cache backed by Valkey string keys with a PX expiry
type ValkeyCache struct {
	client valkeygo.Client
	prefix string
}

var _ Cache = (*ValkeyCache)(nil)

// NewValkeyCache creates a cache on an existing client. The client is not
// closed by the cache.
func NewValkeyCache(client valkeygo.Client, prefix string) *ValkeyCache {
	if prefix == "" {
		prefix = DefaultValkeyPrefix
	}
	return &ValkeyCache{client: client, prefix: prefix}
}

// Get returns the value stored under key
func (c *ValkeyCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Do(ctx, c.client.B().Get().Key(c.prefix+key).Build()).AsBytes()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return value, nil
}

// Set stores value under key with a ttl expiry
func (c *ValkeyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := c.client.B().Set().Key(c.prefix + key).Value(valkeygo.BinaryString(value)).Px(ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}
