// Package proxy forwards authenticated requests to the upstream service,
// swapping the caller's bearer token for the API key it resolved to.
package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gridstatus/keybridge/credential"
	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/security"
)

// DefaultAPIKeyHeader carries the caller's API key to the upstream service.
const DefaultAPIKeyHeader = "X-GridStatus-API-Key"

// Proxy is an http.Handler that forwards requests carrying a credential in
// their context (see credential.NewContext) to a single upstream.
type Proxy struct {
	upstream        *url.URL
	header          string
	stripPrefix     string
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	rp              *httputil.ReverseProxy
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithStripPrefix removes prefix from the request path before forwarding.
func WithStripPrefix(prefix string) Option {
	return func(p *Proxy) {
		p.stripPrefix = "/" + strings.Trim(prefix, "/")
	}
}

// WithInstrumentation records proxy metrics and traces outbound requests.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(p *Proxy) {
		p.instrumentation = inst
	}
}

// New returns a proxy to upstream. header names the request header that
// receives the API key; empty means DefaultAPIKeyHeader.
func New(upstream *url.URL, header string, logger *slog.Logger, opts ...Option) (*Proxy, error) {
	if upstream == nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute URL")
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme %q", upstream.Scheme)
	}
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Proxy{
		upstream: upstream,
		header:   http.CanonicalHeaderKey(header),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.rp = &httputil.ReverseProxy{
		Rewrite: p.rewrite,
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithTracerProvider(p.instrumentation.TracerProvider()),
			otelhttp.WithMeterProvider(p.instrumentation.MeterProvider()),
		),
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
		FlushInterval:  -1,
	}
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := credential.FromContext(r.Context()); !ok {
		p.logger.Error("Proxy reached without a resolved credential", "path", r.URL.Path)
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	cred, _ := credential.FromContext(pr.In.Context())

	if p.stripPrefix != "" && p.stripPrefix != "/" {
		path := strings.TrimPrefix(pr.In.URL.Path, p.stripPrefix)
		if path == "" || path[0] != '/' {
			path = "/" + path
		}
		pr.Out.URL.Path = path
		pr.Out.URL.RawPath = ""
	}

	pr.SetURL(p.upstream)
	pr.SetXForwarded()

	// The bearer token belongs to this server; the upstream only ever sees
	// the API key, and only for authenticated callers.
	pr.Out.Header.Del("Authorization")
	pr.Out.Header.Del(p.header)
	if key, ok := cred.Key(); ok {
		pr.Out.Header.Set(p.header, key)
	}
	if id := security.GetRequestID(pr.In.Context()); id != "" {
		pr.Out.Header.Set(security.RequestIDHeader, id)
	}
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	cred, _ := credential.FromContext(resp.Request.Context())
	p.instrumentation.Metrics().RecordProxyRequest(resp.Request.Context(), resp.StatusCode, cred.IsAnonymous())
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	cred, _ := credential.FromContext(r.Context())
	security.LoggerWithRequestID(r.Context(), p.logger).Error("Upstream request failed",
		"upstream", p.upstream.Host,
		"path", r.URL.Path,
		"error", err)
	p.instrumentation.Metrics().RecordProxyRequest(r.Context(), http.StatusBadGateway, cred.IsAnonymous())
	writeJSONError(w, http.StatusBadGateway, "bad_gateway")
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": http.StatusText(status),
	})
}
