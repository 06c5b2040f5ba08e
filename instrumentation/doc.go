// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Every layer obtains its meter and tracer from a scope name ("http",
// "server", "storage", "security"). When instrumentation is disabled the
// providers are no-ops and recording costs nothing.
//
// # Prometheus Metrics
//
//	reg := prometheus.NewRegistry()
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:            true,
//		ServiceName:        "my-auth-server",
//		MetricsExporter:    instrumentation.MetricsExporterPrometheus,
//		PrometheusRegistry: reg,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Endpoints:
//   - oauth.authorization.requests{response_type, outcome}
//   - oauth.tokens.issued{grant_type, client_id}
//   - oauth.token.errors{grant_type, error}
//   - oauth.token.revoked{client_id, token_type}
//   - oauth.token.introspected{active}
//   - oauth.client.registered{client_type}
//
// Security:
//   - oauth.client_auth.failed{endpoint}
//   - oauth.rate_limit.exceeded{endpoint}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.clients.count, storage.authorization_codes.count,
//     storage.access_tokens.count, storage.refresh_tokens.count
//
// # Distributed Tracing
//
// Spans are exported when Config.SpanExporter is set:
//
//	oauth.server.authorize
//	├── storage.get_client
//	├── storage.get_consent
//	└── storage.save_authorization_code
//	oauth.server.token
//	├── storage.get_client
//	├── storage.consume_authorization_code
//	├── storage.save_access_token
//	└── storage.save_refresh_token
//
// Token values never appear in spans or metric attributes.
package instrumentation
