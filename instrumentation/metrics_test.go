package instrumentation

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{
		Enabled:       true,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// sumCounter returns the total of an int64 counter across all attribute sets.
func sumCounter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	m, ok := findMetric(collect(t, reader), name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, want metricdata.Sum[int64]", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_OAuthFlowCounters(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordGrantIssued(ctx, "client-1")
	m.RecordGrantIssued(ctx, "client-2")
	m.RecordCodeExchange(ctx, "client-1")
	m.RecordTokenRefresh(ctx, "client-1")
	m.RecordTokenRefresh(ctx, "client-1")
	m.RecordTokenRefresh(ctx, "client-1")
	m.RecordTokenRevocation(ctx, "client-2")

	tests := []struct {
		name string
		want int64
	}{
		{"oauth.grant.issued", 2},
		{"oauth.code.exchanged", 1},
		{"oauth.token.refreshed", 3},
		{"oauth.token.revoked", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sumCounter(t, reader, tt.name); got != tt.want {
				t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestMetrics_RecordValidationFailure(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	inst.Metrics().RecordValidationFailure(ctx, "/token", "invalid_grant")
	inst.Metrics().RecordValidationFailure(ctx, "/token", "invalid_grant")
	inst.Metrics().RecordValidationFailure(ctx, "/authorize", "invalid_scope")

	m, ok := findMetric(collect(t, reader), "oauth.request.rejected")
	if !ok {
		t.Fatal("oauth.request.rejected not recorded")
	}
	sum := m.Data.(metricdata.Sum[int64])

	byCode := map[string]int64{}
	for _, dp := range sum.DataPoints {
		code, _ := dp.Attributes.Value(attribute.Key("error"))
		byCode[code.AsString()] += dp.Value
	}
	if byCode["invalid_grant"] != 2 || byCode["invalid_scope"] != 1 {
		t.Errorf("rejections by code = %v", byCode)
	}
}

func TestMetrics_StorageSizeCallbacks(t *testing.T) {
	inst, reader := newTestInstrumentation(t)

	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return 3 },
		func() int64 { return 5 },
		nil,
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	rm := collect(t, reader)
	for name, want := range map[string]int64{"storage.clients": 3, "storage.grants": 5} {
		m, ok := findMetric(rm, name)
		if !ok {
			t.Errorf("%s not observed", name)
			continue
		}
		gauge := m.Data.(metricdata.Gauge[int64])
		if len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != want {
			t.Errorf("%s = %+v, want %d", name, gauge.DataPoints, want)
		}
	}
	if _, ok := findMetric(rm, "storage.tokens"); ok {
		t.Error("storage.tokens observed without a callback")
	}
}

func TestMetrics_StorageAndCatalog(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordStorageOperation(ctx, "consume_grant", "success", 0.4)
	m.RecordStorageOperation(ctx, "consume_grant", "not_found", 0.2)
	m.RecordCatalogCacheLookup(ctx, "get_album", true)
	m.RecordCatalogCacheLookup(ctx, "get_album", false)
	m.RecordCatalogFetch(ctx, "get_album", 200, 85)

	if got := sumCounter(t, reader, "storage.operation.total"); got != 2 {
		t.Errorf("storage.operation.total = %d, want 2", got)
	}
	if got := sumCounter(t, reader, "catalog.cache.lookups"); got != 2 {
		t.Errorf("catalog.cache.lookups = %d, want 2", got)
	}
	if got := sumCounter(t, reader, "catalog.fetch.total"); got != 1 {
		t.Errorf("catalog.fetch.total = %d, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "POST", "/token", 200, 1)
	m.RecordGrantIssued(ctx, "c")
	m.RecordCodeExchange(ctx, "c")
	m.RecordTokenRefresh(ctx, "c")
	m.RecordTokenRevocation(ctx, "c")
	m.RecordValidationFailure(ctx, "/token", "invalid_grant")
	m.RecordStorageOperation(ctx, "op", "success", 1)
	m.RecordCatalogCacheLookup(ctx, "search", false)
	m.RecordCatalogFetch(ctx, "search", 200, 1)
}
