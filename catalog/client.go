package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/critiquebrainz/cbauth/instrumentation"
)

const (
	// DefaultBaseURL is the Spotify Web API root
	DefaultBaseURL = "https://api.spotify.com/v1"

	// DefaultCacheTTL is how long upstream responses are cached
	DefaultCacheTTL = 12 * time.Hour

	// DefaultRequestsPerSecond is the sustained upstream request rate
	DefaultRequestsPerSecond = 10

	// DefaultBurst is the number of upstream requests allowed at once
	DefaultBurst = 20

	// DefaultSearchLimit is the page size used when Search is called with limit <= 0
	DefaultSearchLimit = 20

	// maxResponseSize bounds the upstream response body
	maxResponseSize = 4 << 20

	source = "spotify"
)

// ErrUpstream is returned when the upstream API answers with a non-2xx status
var ErrUpstream = errors.New("upstream catalog error")

// Config holds the catalog client configuration
type Config struct {
	// BaseURL is the API root (default DefaultBaseURL)
	BaseURL string

	// HTTPClient performs upstream requests. The default client uses an
	// otelhttp transport and a 10 second timeout.
	HTTPClient *http.Client

	// Cache stores responses (default: a new MemoryCache)
	Cache Cache

	// CacheTTL is how long responses are cached (default DefaultCacheTTL)
	CacheTTL time.Duration

	// RequestsPerSecond and Burst configure the upstream limiter
	RequestsPerSecond float64
	Burst             int

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Client looks up Spotify catalog data through the cache
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      Cache
	ttl        time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// New creates a catalog client
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		}
	}

	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		cache:      cache,
		ttl:        ttl,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger,
		tracer:     noop.NewTracerProvider().Tracer(""),
	}, nil
}

// SetInstrumentation sets the OpenTelemetry instrumentation for lookups
func (c *Client) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.inst = inst
	if inst != nil {
		c.tracer = inst.Tracer("catalog")
	}
}

func (c *Client) metrics() *instrumentation.Metrics {
	if c.inst == nil {
		return nil
	}
	return c.inst.Metrics()
}

// Search returns catalog items of the given type ("album", "artist",
// "track", or a comma-separated list) matching query.
func (c *Client) Search(ctx context.Context, query, typ string, limit, offset int) (json.RawMessage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is required")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	params := url.Values{
		"q":      {query},
		"type":   {typ},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	return c.lookup(ctx, "search", CacheKey("search", source, query, typ, limit, offset),
		"/search?"+params.Encode(), "")
}

// GetAlbum returns a single album object
func (c *Client) GetAlbum(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("album ID is required")
	}
	return c.lookup(ctx, "album", CacheKey("album", source, id),
		"/albums/"+url.PathEscape(id), "")
}

// GetMultipleAlbums returns the album objects for ids, in the order given
func (c *Client) GetMultipleAlbums(ctx context.Context, ids []string) (json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one album ID is required")
	}
	params := make([]any, len(ids))
	for i, id := range ids {
		params[i] = id
	}
	return c.lookup(ctx, "albums", CacheKey("albums", source, params...),
		"/albums?ids="+url.QueryEscape(strings.Join(ids, ",")), "albums")
}

// lookup serves a request from the cache or fetches and caches it. When
// field is set, only that member of the upstream JSON object is returned
// and cached.
func (c *Client) lookup(ctx context.Context, operation, key, path, field string) (_ json.RawMessage, err error) {
	ctx, span := c.tracer.Start(ctx, "catalog."+operation)
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}()

	cached, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		instrumentation.AddCatalogAttributes(span, operation, true)
		c.metrics().RecordCatalogCacheLookup(ctx, operation, true)
		return cached, nil
	case !errors.Is(err, ErrCacheMiss):
		c.logger.Warn("Catalog cache read failed", "operation", operation, "error", err)
	}
	instrumentation.AddCatalogAttributes(span, operation, false)
	c.metrics().RecordCatalogCacheLookup(ctx, operation, false)

	body, err := c.fetch(ctx, operation, path)
	if err != nil {
		return nil, err
	}

	if field != "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
		body = obj[field]
		if body == nil {
			return nil, fmt.Errorf("%s response has no %q member", operation, field)
		}
	}

	if err := c.cache.Set(ctx, key, body, c.ttl); err != nil {
		c.logger.Warn("Catalog cache write failed", "operation", operation, "error", err)
	}
	return body, nil
}

func (c *Client) fetch(ctx context.Context, operation, path string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("catalog rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics().RecordCatalogFetch(ctx, operation, 0, float64(time.Since(start).Microseconds())/1000)
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.metrics().RecordCatalogFetch(ctx, operation, resp.StatusCode, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstream, operation, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", ErrUpstream, operation)
	}
	return body, nil
}
