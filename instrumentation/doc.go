// Package instrumentation provides OpenTelemetry metrics and tracing for
// keybridge.
//
// With Enabled set, metrics go through the OpenTelemetry SDK into a Prometheus
// exporter on a private registry, which MetricsHandler serves:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceVersion: version,
//		Enabled:        true,
//		OTLPEndpoint:   "http://otel-collector:4318",
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// Traces are exported over OTLP/HTTP only when OTLPEndpoint is set.
//
// A nil *Instrumentation is usable everywhere: Meter and Tracer return no-op
// implementations and Metrics returns nil, whose Record methods do nothing.
package instrumentation
