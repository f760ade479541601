package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gridstatus/keybridge/internal/util"
	"github.com/gridstatus/keybridge/token"
)

const (
	// DefaultAuthorizationCodeTTL is how long a minted code stays redeemable.
	DefaultAuthorizationCodeTTL = 5 * time.Minute

	// DefaultResourcePath is appended to the issuer when Resource is empty.
	DefaultResourcePath = "/mcp"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string

	// Resource is the protected resource identifier advertised in metadata
	// and bound into tokens. Default: Issuer + "/mcp".
	Resource string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 5 minutes.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid. Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid. Default: 7 days.
	RefreshTokenTTL time.Duration

	// SupportedScopes lists the scopes clients may request.
	// If empty, any scope string is accepted and echoed.
	SupportedScopes []string

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host.
	// Loopback issuers are always allowed over HTTP.
	AllowInsecureHTTP bool

	// Clock is the time source. Default: time.Now.
	Clock func() time.Time
}

// applyDefaults fills unset fields in place
func (c *Config) applyDefaults() {
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = token.DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = token.DefaultRefreshTokenTTL
	}
	c.Issuer = util.NormalizeURL(c.Issuer)
	if c.Resource == "" && c.Issuer != "" {
		c.Resource = c.Issuer + DefaultResourcePath
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Validate checks the issuer URL and enforces HTTPS outside loopback.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if !issuerURL.IsAbs() || issuerURL.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL (got %q)", c.Issuer)
	}
	if issuerURL.RawQuery != "" || issuerURL.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if util.IsLoopbackHostname(issuerURL.Hostname()) || c.AllowInsecureHTTP {
			return nil
		}
		return fmt.Errorf(
			"issuer must use HTTPS outside loopback (got %s://%s); set AllowInsecureHTTP to override",
			issuerURL.Scheme, issuerURL.Hostname())
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// logSecurityWarnings reports insecure but permitted settings.
func (c *Config) logSecurityWarnings(logger *slog.Logger) {
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil || issuerURL.Scheme != SchemeHTTP {
		return
	}
	if util.IsLoopbackHostname(issuerURL.Hostname()) {
		logger.Warn("Running OAuth over HTTP on loopback",
			"issuer", c.Issuer,
			"recommendation", "Use HTTPS outside local development")
		return
	}
	logger.Error("Running OAuth server over HTTP on a non-loopback host",
		"issuer", c.Issuer,
		"risk", "Bearer tokens and API keys exposed to network sniffing",
		"action_required", "Switch to HTTPS")
}
