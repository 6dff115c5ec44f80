package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/critiquebrainz/cbauth/instrumentation"
	"github.com/critiquebrainz/cbauth/internal/testutil"
)

type upstream struct {
	*httptest.Server
	hits atomic.Int32

	mu       sync.Mutex
	requests []*http.Request
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.mu.Lock()
		u.requests = append(u.requests, r)
		u.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) lastRequest() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests[len(u.requests)-1]
}

func newTestClient(t *testing.T, u *upstream, cache Cache) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: u.URL + "/v1/", HTTPClient: u.Client(), Cache: cache, RequestsPerSecond: 1000, Burst: 100})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{BaseURL: "not a url"}); err == nil {
		t.Error("New() with an invalid base URL should fail")
	}

	c, err := New(Config{})
	testutil.AssertNoError(t, err)
	if c.baseURL != DefaultBaseURL || c.ttl != DefaultCacheTTL {
		t.Errorf("defaults not applied: baseURL=%q ttl=%v", c.baseURL, c.ttl)
	}
	if c.limiter.Burst() != DefaultBurst {
		t.Errorf("burst = %d, want %d", c.limiter.Burst(), DefaultBurst)
	}
}

func TestClient_GetAlbum(t *testing.T) {
	u := newUpstream(t, jsonHandler(`{"id":"4aawyAB9vmqN3uQ7FjRGTy","name":"Global Warming"}`))
	cache := NewMemoryCache()
	c := newTestClient(t, u, cache)
	ctx := context.Background()

	got, err := c.GetAlbum(ctx, "4aawyAB9vmqN3uQ7FjRGTy")
	testutil.AssertNoError(t, err)
	if !strings.Contains(string(got), "Global Warming") {
		t.Errorf("GetAlbum() = %s", got)
	}
	if path := u.lastRequest().URL.Path; path != "/v1/albums/4aawyAB9vmqN3uQ7FjRGTy" {
		t.Errorf("upstream path = %q", path)
	}

	// The second lookup is served from the cache.
	again, err := c.GetAlbum(ctx, "4aawyAB9vmqN3uQ7FjRGTy")
	testutil.AssertNoError(t, err)
	if string(again) != string(got) {
		t.Errorf("cached GetAlbum() = %s, want %s", again, got)
	}
	if u.hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", u.hits.Load())
	}
}

func TestClient_CacheTTL(t *testing.T) {
	u := newUpstream(t, jsonHandler(`{"id":"1"}`))
	clock := testutil.NewMockTime(time.Now())
	cache := NewMemoryCache()
	cache.SetClock(clock.Now)
	c := newTestClient(t, u, cache)
	ctx := context.Background()

	_, err := c.GetAlbum(ctx, "1")
	testutil.AssertNoError(t, err)

	clock.Advance(DefaultCacheTTL - time.Second)
	_, err = c.GetAlbum(ctx, "1")
	testutil.AssertNoError(t, err)
	if u.hits.Load() != 1 {
		t.Fatalf("upstream hits = %d before expiry, want 1", u.hits.Load())
	}

	clock.Advance(2 * time.Second)
	_, err = c.GetAlbum(ctx, "1")
	testutil.AssertNoError(t, err)
	if u.hits.Load() != 2 {
		t.Errorf("upstream hits = %d after expiry, want 2", u.hits.Load())
	}
}

func TestClient_Search(t *testing.T) {
	u := newUpstream(t, jsonHandler(`{"albums":{"items":[]}}`))
	c := newTestClient(t, u, nil)

	_, err := c.Search(context.Background(), "sigur rós & friends", "album", 0, 40)
	testutil.AssertNoError(t, err)

	q := u.lastRequest().URL.Query()
	if q.Get("q") != "sigur rós & friends" || q.Get("type") != "album" || q.Get("limit") != "20" || q.Get("offset") != "40" {
		t.Errorf("upstream query = %v", q)
	}

	if _, err := c.Search(context.Background(), " ", "album", 10, 0); err == nil {
		t.Error("Search() with an empty query should fail")
	}
}

func TestClient_GetMultipleAlbums(t *testing.T) {
	u := newUpstream(t, jsonHandler(`{"albums":[{"id":"a"},{"id":"b"}]}`))
	c := newTestClient(t, u, nil)
	ctx := context.Background()

	got, err := c.GetMultipleAlbums(ctx, []string{"a", "b"})
	testutil.AssertNoError(t, err)

	var albums []map[string]string
	if err := json.Unmarshal(got, &albums); err != nil {
		t.Fatalf("GetMultipleAlbums() returned %s: %v", got, err)
	}
	if len(albums) != 2 || albums[0]["id"] != "a" {
		t.Errorf("albums = %v", albums)
	}
	if ids := u.lastRequest().URL.Query().Get("ids"); ids != "a,b" {
		t.Errorf("ids = %q", ids)
	}

	// Order is part of the key.
	_, err = c.GetMultipleAlbums(ctx, []string{"b", "a"})
	testutil.AssertNoError(t, err)
	if u.hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2", u.hits.Load())
	}

	if _, err := c.GetMultipleAlbums(ctx, nil); err == nil {
		t.Error("GetMultipleAlbums(nil) should fail")
	}
}

func TestClient_UpstreamErrorsAreNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, `{"error":{"status":503}}`, http.StatusServiceUnavailable)
			return
		}
		jsonHandler(`{"id":"1"}`)(w, r)
	})
	c := newTestClient(t, u, nil)
	ctx := context.Background()

	if _, err := c.GetAlbum(ctx, "1"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("GetAlbum() error = %v, want ErrUpstream", err)
	}

	fail.Store(false)
	if _, err := c.GetAlbum(ctx, "1"); err != nil {
		t.Fatalf("GetAlbum() after recovery error = %v", err)
	}
	if u.hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2", u.hits.Load())
	}
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("cache down")
}

func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}

func TestClient_CacheFailureFallsThrough(t *testing.T) {
	u := newUpstream(t, jsonHandler(`{"id":"1"}`))
	c := newTestClient(t, u, brokenCache{})

	if _, err := c.GetAlbum(context.Background(), "1"); err != nil {
		t.Errorf("GetAlbum() with a failing cache error = %v", err)
	}
}

func TestClient_RateLimiterHonoursContext(t *testing.T) {
	u := newUpstream(t, jsonHandler(`{"id":"1"}`))
	c, err := New(Config{BaseURL: u.URL, HTTPClient: u.Client(), RequestsPerSecond: 0.001, Burst: 1})
	testutil.AssertNoError(t, err)

	_, err = c.GetAlbum(context.Background(), "1")
	testutil.AssertNoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.GetAlbum(ctx, "2"); err == nil {
		t.Error("GetAlbum() should fail when the limiter cannot admit the request before the deadline")
	}
	if u.hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", u.hits.Load())
	}
}

func TestClient_Instrumentation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:       true,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	testutil.AssertNoError(t, err)

	u := newUpstream(t, jsonHandler(`{"id":"1"}`))
	c := newTestClient(t, u, nil)
	c.SetInstrumentation(inst)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetAlbum(ctx, "1")
		testutil.AssertNoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	testutil.AssertNoError(t, reader.Collect(ctx, &rm))

	hits, misses := int64(0), int64(0)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "catalog.cache.lookups" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if hit, _ := dp.Attributes.Value("hit"); hit.AsBool() {
					hits += dp.Value
				} else {
					misses += dp.Value
				}
			}
		}
	}
	if hits != 2 || misses != 1 {
		t.Errorf("cache lookups hit=%d miss=%d, want 2 and 1", hits, misses)
	}
}
