// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Metrics and traces are created through named scopes ("http", "server",
// "storage", "catalog"). When instrumentation is disabled, no-op providers are
// used and recording costs next to nothing.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "cbauthd",
//		ServiceVersion:  version,
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// Setting TracesEndpoint exports spans to an OTLP/HTTP collector.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint} (ms)
//
// OAuth Flows:
//   - oauth.grant.issued{client_id}
//   - oauth.code.exchanged{client_id}
//   - oauth.token.refreshed{client_id}
//   - oauth.token.revoked{client_id}
//   - oauth.request.rejected{endpoint, error}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation} (ms)
//   - storage.clients, storage.grants, storage.tokens (memory backend only)
//
// Catalog:
//   - catalog.cache.lookups{operation, hit}
//   - catalog.fetch.total{operation, status}
//   - catalog.fetch.duration{operation} (ms)
//
// # Security
//
// Authorization codes, tokens and client secrets are never recorded in spans or
// metric attributes.
package instrumentation
