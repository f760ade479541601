package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/gridstatus/keybridge/credential"
	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/security"
)

type seenRequest struct {
	Path          string `json:"path"`
	Query         string `json:"query"`
	APIKey        string `json:"api_key"`
	HasAPIKey     bool   `json:"has_api_key"`
	Authorization string `json:"authorization"`
	RequestID     string `json:"request_id"`
}

func newUpstream(t *testing.T) *url.URL {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasKey := r.Header[DefaultAPIKeyHeader]
		_ = json.NewEncoder(w).Encode(seenRequest{
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			APIKey:        r.Header.Get(DefaultAPIKeyHeader),
			HasAPIKey:     hasKey,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get(security.RequestIDHeader),
		})
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func forward(t *testing.T, p http.Handler, target string, cred *credential.Credential, mutate func(*http.Request)) (*httptest.ResponseRecorder, seenRequest) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, nil)
	req.Header.Set("Authorization", "Bearer kb_at.sealed")
	if cred != nil {
		req = req.WithContext(credential.NewContext(req.Context(), *cred))
	}
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	var seen seenRequest
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&seen))
	}
	return rec, seen
}

func TestNew_Validation(t *testing.T) {
	for _, raw := range []string{"", "/relative", "ftp://files.example.com"} {
		u, _ := url.Parse(raw)
		_, err := New(u, "", nil)
		assert.Error(t, err, raw)
	}
	_, err := New(nil, "", nil)
	assert.Error(t, err)
}

func TestProxy_InjectsAPIKey(t *testing.T) {
	p, err := New(newUpstream(t), "", discardLogger(), WithStripPrefix("/mcp"))
	require.NoError(t, err)

	cred, err := credential.APIKey("secret123")
	require.NoError(t, err)

	rec, seen := forward(t, p, "/mcp/v1/datasets?limit=5", &cred, func(r *http.Request) {
		r.Header.Set(DefaultAPIKeyHeader, "forged")
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "/v1/datasets", seen.Path)
	assert.Equal(t, "limit=5", seen.Query)
	assert.Equal(t, "secret123", seen.APIKey, "client supplied header must be replaced")
	assert.Empty(t, seen.Authorization, "bearer token must not reach the upstream")
}

func TestProxy_AnonymousOmitsHeader(t *testing.T) {
	p, err := New(newUpstream(t), "", discardLogger(), WithStripPrefix("/mcp"))
	require.NoError(t, err)

	cred := credential.Anonymous()
	rec, seen := forward(t, p, "/mcp", &cred, func(r *http.Request) {
		r.Header.Set(DefaultAPIKeyHeader, "forged")
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, seen.HasAPIKey)
	assert.Equal(t, "/", seen.Path)
	assert.Empty(t, seen.Authorization)
}

func TestProxy_CustomHeaderAndRequestID(t *testing.T) {
	var gotHeader, gotRequestID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		gotRequestID = r.Header.Get(security.RequestIDHeader)
	}))
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	p, err := New(u, "x-api-key", discardLogger())
	require.NoError(t, err)

	cred, _ := credential.APIKey("k1")
	req := httptest.NewRequest(http.MethodGet, "/mcp/tools", nil)
	ctx := credential.NewContext(security.WithRequestID(req.Context(), "req-1"), cred)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req.WithContext(ctx))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "k1", gotHeader)
	assert.Equal(t, "req-1", gotRequestID)
}

func TestProxy_RequiresCredential(t *testing.T) {
	p, err := New(newUpstream(t), "", discardLogger())
	require.NoError(t, err)

	rec, _ := forward(t, p, "/mcp", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProxy_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(upstream.URL)
	upstream.Close()

	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricReader: reader})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	p, err := New(u, "", discardLogger(), WithInstrumentation(inst))
	require.NoError(t, err)

	cred, _ := credential.APIKey("secret123")
	rec, _ := forward(t, p, "/mcp", &cred, nil)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret123")
	assert.NotContains(t, rec.Body.String(), u.Host)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.True(t, hasMetric(rm, "keybridge.proxy.requests.total"))
}

func hasMetric(rm metricdata.ResourceMetrics, name string) bool {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}
