package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridstatus/keybridge/events"
	"github.com/gridstatus/keybridge/security"
	"github.com/gridstatus/keybridge/server"
)

const tokenTypeBearer = "Bearer"

// Handler serves the OAuth endpoints of a server.Server over HTTP.
type Handler struct {
	server  *server.Server
	config  Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *security.RateLimiter

	startTime time.Time
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config Config, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.logSettings(logger)

	h := &Handler{
		server:    srv,
		config:    config,
		logger:    logger,
		tracer:    srv.Instrumentation().Tracer("http"),
		startTime: time.Now(),
	}
	if config.RateLimit > 0 {
		h.limiter = security.NewRateLimiter(config.RateLimit, config.RateBurst, logger)
	}
	return h, nil
}

// Close stops background work owned by the handler. Safe to call more than once.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns the complete HTTP surface: discovery, registration,
// authorization, token, health, optional metrics and the protected mount.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(h.recordHTTPMetrics)

	r.Get(PathHealth, h.ServeHealth)
	r.Get(PathReady, h.ServeReady)
	if h.config.MetricsHandler != nil {
		r.Handle(PathMetrics, h.config.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.cors)
		r.Get(PathProtectedResourceMetadata, h.ServeProtectedResourceMetadata)
		r.Get(PathProtectedResourceMetadata+"/*", h.ServeProtectedResourceMetadata)
		r.Get(PathAuthorizationServerMeta, h.ServeAuthorizationServerMetadata)
		r.Options(PathProtectedResourceMetadata, h.ServePreflightRequest)
		r.Options(PathProtectedResourceMetadata+"/*", h.ServePreflightRequest)
		r.Options(PathAuthorizationServerMeta, h.ServePreflightRequest)
		r.Options(PathRegister, h.ServePreflightRequest)
		r.Options(PathToken, h.ServePreflightRequest)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.limitBody)
		if h.limiter != nil {
			r.Use(h.limiter.Middleware(h.clientIP, h.onRateLimited))
		}
		r.With(h.cors).Post(PathRegister, h.ServeClientRegistration)
		r.Get(PathAuthorize, h.ServeAuthorize)
		r.Post(PathAuthorize, h.ServeAuthorizeSubmit)
		r.With(h.cors).Post(PathToken, h.ServeToken)
	})

	if h.config.Protected != nil {
		r.Mount(h.config.ProtectedPath, h.ValidateToken(h.config.Protected))
	}

	inst := h.server.Instrumentation()
	return otelhttp.NewHandler(r, "keybridge",
		otelhttp.WithTracerProvider(inst.TracerProvider()),
		otelhttp.WithMeterProvider(inst.MeterProvider()),
	)
}

// clientIP is the single source of the caller's address for logging, events
// and rate limit buckets.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return security.LoggerWithRequestID(r.Context(), h.logger)
}

// limitBody caps request bodies at MaxBodyBytes.
func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func (h *Handler) onRateLimited(r *http.Request, clientIP string) {
	h.requestLogger(r).Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	h.server.Instrumentation().Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
	h.server.EventBus().Publish(events.Event{
		Type:      events.RateLimitExceeded,
		IPAddress: clientIP,
		Reason:    r.URL.Path,
	})
}

// recordHTTPMetrics records request count and duration labelled by route pattern.
func (h *Handler) recordHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := float64(time.Since(start).Microseconds()) / 1000
		h.server.Instrumentation().Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, duration)
	})
}

// cors sets CORS headers if configured and the origin is allowed.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.setCORSHeaders(w, r)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo the origin rather than "*" so caches keyed on Vary stay correct.
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.config.CORS.MaxAge))
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	h.writeJSON(w, e.Status, ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	})
}

// writeAuthenticationRequired answers a request that carried no bearer token.
// The challenge names no error code (RFC 6750 section 3.1), only where to
// discover the authorization server.
func (h *Handler) writeAuthenticationRequired(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", ""))
	h.writeError(w, ErrInvalidToken("missing bearer token"))
}

// writeUnauthorizedError writes a 401 with a WWW-Authenticate challenge that
// points the client at the protected resource metadata.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(ErrorCodeInvalidToken, description))
	h.writeError(w, ErrInvalidToken(description))
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750 and RFC 9728.
//
//	Bearer resource_metadata="https://example.com/.well-known/oauth-protected-resource",
//	       error="invalid_token",
//	       error_description="The access token is invalid or expired"
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	params := []string{
		fmt.Sprintf(`resource_metadata="%s"`, h.protectedResourceMetadataURL()),
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		// Backslashes first, then quotes (RFC 7230 quoted-string).
		escaped := strings.ReplaceAll(errorDesc, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		params = append(params, fmt.Sprintf(`error_description="%s"`, escaped))
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

func (h *Handler) endpoint(path string) string {
	return h.server.Config.Issuer + path
}

func (h *Handler) protectedResourceMetadataURL() string {
	return h.endpoint(PathProtectedResourceMetadata)
}
