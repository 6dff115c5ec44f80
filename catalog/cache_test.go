package catalog

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/critiquebrainz/cbauth/internal/testutil"
)

func TestCacheKey(t *testing.T) {
	a := CacheKey("search", "spotify", "abba", "album", 20, 0)

	if !strings.HasPrefix(a, "spotify:search:") {
		t.Errorf("CacheKey() = %q, want spotify:search: prefix", a)
	}
	if a != CacheKey("search", "spotify", "abba", "album", 20, 0) {
		t.Error("CacheKey() is not deterministic")
	}

	distinct := []string{
		CacheKey("search", "spotify", "abba", "album", 20, 20),
		CacheKey("search", "spotify", "abba", "artist", 20, 0),
		CacheKey("album", "spotify", "abba", "album", 20, 0),
		CacheKey("search", "musicbrainz", "abba", "album", 20, 0),
		CacheKey("search", "spotify", "ab", "baalbum", 20, 0),
	}
	for _, k := range distinct {
		if k == a {
			t.Errorf("CacheKey() collision: %q", k)
		}
	}

	long := CacheKey("albums", "spotify", strings.Repeat("x", 10000))
	if len(long) != len("spotify:albums:")+64 {
		t.Errorf("CacheKey() length = %d, want bounded", len(long))
	}
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Now())
	cache := NewMemoryCache()
	cache.SetClock(clock.Now)

	if _, err := cache.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get(missing) error = %v, want ErrCacheMiss", err)
	}

	value := []byte(`{"id":"1"}`)
	testutil.AssertNoError(t, cache.Set(ctx, "k", value, time.Minute))
	value[0] = 'X'

	got, err := cache.Get(ctx, "k")
	testutil.AssertNoError(t, err)
	if string(got) != `{"id":"1"}` {
		t.Errorf("Get() = %s, cache did not copy the value", got)
	}

	clock.Advance(time.Minute)
	if _, err := cache.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get(expired) error = %v, want ErrCacheMiss", err)
	}
	if cache.Len() != 0 {
		t.Errorf("Len() = %d, expired entry not dropped", cache.Len())
	}
}

func TestValkeyCache(t *testing.T) {
	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := valkeygo.NewClient(valkeygo.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		t.Skipf("Skipping test: Valkey at %s is not answering: %v", addr, err)
	}

	cache := NewValkeyCache(client, "cbauthtest:catalog:")
	key := CacheKey("album", source, t.Name())
	t.Cleanup(func() { client.Do(context.Background(), client.B().Del().Key(cache.prefix+key).Build()) })

	if _, err := cache.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get(missing) error = %v, want ErrCacheMiss", err)
	}

	testutil.AssertNoError(t, cache.Set(ctx, key, []byte(`{"id":"1"}`), time.Minute))
	got, err := cache.Get(ctx, key)
	testutil.AssertNoError(t, err)
	if string(got) != `{"id":"1"}` {
		t.Errorf("Get() = %s", got)
	}

	pttl, err := client.Do(ctx, client.B().Pttl().Key(cache.prefix+key).Build()).AsInt64()
	testutil.AssertNoError(t, err)
	if pttl <= 0 || pttl > time.Minute.Milliseconds() {
		t.Errorf("PTTL = %d, want within (0, 60000]", pttl)
	}
}
