package instrumentation

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every metric instrument. All Record methods are safe on a nil
// receiver.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flow
	ClientRegistered metric.Int64Counter
	CodeIssued       metric.Int64Counter
	CodeExchanged    metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	GrantRejected    metric.Int64Counter
	BearerValidated  metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter

	// Storage
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageExpiredSwept       metric.Int64Counter
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge

	// Proxy
	ProxyRequestsTotal metric.Int64Counter
}

func newMetrics(serverMeter, storageMeter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		m    metric.Meter
		name string
		desc string
		unit string
	}{
		{&m.HTTPRequestsTotal, serverMeter, "keybridge.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.ClientRegistered, serverMeter, "keybridge.client.registered", "Number of clients registered", "{client}"},
		{&m.CodeIssued, serverMeter, "keybridge.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeExchanged, serverMeter, "keybridge.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, serverMeter, "keybridge.token.refreshed", "Number of refresh token rotations", "{refresh}"},
		{&m.GrantRejected, serverMeter, "keybridge.grant.rejected", "Number of rejected grants", "{grant}"},
		{&m.BearerValidated, serverMeter, "keybridge.bearer.validated", "Number of bearer token validations", "{validation}"},
		{&m.RateLimitExceeded, serverMeter, "keybridge.ratelimit.exceeded", "Number of throttled requests", "{request}"},
		{&m.StorageOperationTotal, storageMeter, "keybridge.storage.operations.total", "Total number of storage operations", "{operation}"},
		{&m.StorageExpiredSwept, storageMeter, "keybridge.storage.expired.swept", "Number of expired records removed by the sweeper", "{record}"},
		{&m.ProxyRequestsTotal, serverMeter, "keybridge.proxy.requests.total", "Number of requests forwarded upstream", "{request}"},
	}
	for _, c := range counters {
		*c.dst, err = c.m.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.HTTPRequestDuration, err = serverMeter.Float64Histogram(
		"keybridge.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"keybridge.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageClientsCount, "keybridge.storage.clients.count", "Number of registered clients"},
		{&m.StorageCodesCount, "keybridge.storage.codes.count", "Number of outstanding authorization codes"},
		{&m.StorageRefreshTokensCount, "keybridge.storage.refresh_tokens.count", "Number of live refresh tokens"},
	}
	for _, g := range gauges {
		*g.dst, err = storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

// RecordHTTPRequest records one HTTP request with its duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, status int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1)
}

// RecordCodeIssued records a minted authorization code.
func (m *Metrics) RecordCodeIssued(ctx context.Context, anonymous bool) {
	if m == nil {
		return
	}
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(attribute.Bool("anonymous", anonymous)))
}

// RecordCodeExchange records a successful code exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, anonymous bool) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.Bool("anonymous", anonymous)))
}

// RecordTokenRefresh records a successful refresh rotation.
func (m *Metrics) RecordTokenRefresh(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1)
}

// RecordGrantRejected records a refused grant with the internal reason. The
// reason never reaches the client.
func (m *Metrics) RecordGrantRejected(ctx context.Context, grantType, reason string) {
	if m == nil {
		return
	}
	m.GrantRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("reason", reason),
	))
}

// RecordBearerValidation records a bearer check at the resource boundary.
func (m *Metrics) RecordBearerValidation(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.BearerValidated.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRateLimitExceeded records a throttled request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordExpiredSwept records records removed by the background sweep.
func (m *Metrics) RecordExpiredSwept(ctx context.Context, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.StorageExpiredSwept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProxyRequest records a request forwarded upstream.
func (m *Metrics) RecordProxyRequest(ctx context.Context, status int, anonymous bool) {
	if m == nil {
		return
	}
	m.ProxyRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status_class", strconv.Itoa(status/100)+"xx"),
		attribute.Bool("anonymous", anonymous),
	))
}
