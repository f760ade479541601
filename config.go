package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultMaxBodyBytes caps request bodies on /register, /authorize and /token.
	DefaultMaxBodyBytes = 32 * 1024

	// DefaultProtectedPath is where the protected resource is mounted.
	DefaultProtectedPath = "/mcp"

	defaultCORSMaxAge = 3600
)

// Endpoint paths served by Handler.Routes.
const (
	PathProtectedResourceMetadata = "/.well-known/oauth-protected-resource"
	PathAuthorizationServerMeta   = "/.well-known/oauth-authorization-server"
	PathRegister                  = "/register"
	PathAuthorize                 = "/authorize"
	PathToken                     = "/token"
	PathHealth                    = "/health"
	PathReady                     = "/ready"
	PathMetrics                   = "/metrics"
)

// Config holds the HTTP-layer settings. Authorization server behavior lives
// in server.Config.
type Config struct {
	// CORS configures cross-origin access to discovery, registration and token endpoints.
	CORS CORSConfig

	// MaxBodyBytes caps request bodies. Default: 32KiB.
	MaxBodyBytes int64

	// RateLimit is requests per second allowed per client IP on the
	// registration, authorization and token endpoints. Zero disables limiting.
	RateLimit float64

	// RateBurst is the token bucket size per client IP.
	RateBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is how many proxies in front of this server append
	// to X-Forwarded-For.
	TrustedProxyCount int

	// ProtectedPath is the mount point of Protected. Default: "/mcp".
	ProtectedPath string

	// Protected is served behind ValidateToken. Nil leaves ProtectedPath unmounted.
	Protected http.Handler

	// MetricsHandler, when set, is served at /metrics.
	MetricsHandler http.Handler

	// GitSHA and Environment are reported by /ready.
	GitSHA      string
	Environment string
}

// CORSConfig holds CORS settings for browser-based clients.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the endpoints. "*" allows any.
	// Empty disables CORS.
	AllowedOrigins []string

	// MaxAge is the preflight cache duration in seconds. Default: 3600.
	MaxAge int
}

func (c *Config) applyDefaults() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ProtectedPath == "" {
		c.ProtectedPath = DefaultProtectedPath
	}
	c.ProtectedPath = "/" + strings.Trim(c.ProtectedPath, "/")
	if c.CORS.MaxAge <= 0 {
		c.CORS.MaxAge = defaultCORSMaxAge
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
}

// Validate checks that the protected mount does not shadow a built-in endpoint.
func (c *Config) Validate() error {
	if c.ProtectedPath == "/" {
		return fmt.Errorf("protected path must not be the root")
	}
	for _, reserved := range []string{
		PathRegister, PathAuthorize, PathToken, PathHealth, PathReady, PathMetrics, "/.well-known",
	} {
		if c.ProtectedPath == reserved || strings.HasPrefix(c.ProtectedPath, reserved+"/") {
			return fmt.Errorf("protected path %q collides with %s", c.ProtectedPath, reserved)
		}
	}
	return nil
}

func (c *Config) logSettings(logger *slog.Logger) {
	logger.Info("HTTP handler configured",
		"max_body", humanize.IBytes(uint64(c.MaxBodyBytes)),
		"rate_limit", c.RateLimit,
		"rate_burst", c.RateBurst,
		"protected_path", c.ProtectedPath,
		"proxy", c.Protected != nil,
		"cors_origins", len(c.CORS.AllowedOrigins))

	if c.TrustProxy {
		logger.Warn("Trusting X-Forwarded-For for client IPs; only safe behind a reverse proxy")
	}
	for _, origin := range c.CORS.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS wildcard origin allows any website to call the token endpoint")
		}
	}
}

// ParseByteSize parses a human readable size such as "32KiB" or "1MB".
func ParseByteSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n == 0 || n > 1<<30 {
		return 0, fmt.Errorf("byte size %q out of range", s)
	}
	return int64(n), nil
}
