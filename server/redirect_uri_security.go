package server

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// DangerousSchemes lists URI schemes that are never accepted as redirect URIs.
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// RedirectURISecurityError represents a redirect URI validation error with
// detail for operators and a message safe to return to clients.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Is makes every RedirectURISecurityError match ErrInvalidClientMetadata.
func (e *RedirectURISecurityError) Is(target error) bool {
	return target == ErrInvalidClientMetadata
}

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryBlockedScheme = "blocked_scheme"
	RedirectURIErrorCategoryInvalidFormat = "invalid_format"
	RedirectURIErrorCategoryNotAbsolute   = "not_absolute"
	RedirectURIErrorCategoryFragment      = "fragment_not_allowed"
)

// ValidateRedirectURIForRegistration checks a single redirect URI offered at
// registration: it must parse, be absolute, carry no fragment and not use a
// dangerous scheme. Loopback and custom schemes (native apps) are accepted.
func ValidateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			ClientMessage: "redirect_uri: fragments are not allowed",
		}
	}

	if !parsed.IsAbs() {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryNotAbsolute,
			URI:           sanitizeURIForLogging(redirectURI),
			ClientMessage: "redirect_uri: must be an absolute URI",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if slices.Contains(DangerousSchemes, scheme) {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryBlockedScheme,
			URI:           sanitizeURIForLogging(redirectURI),
			ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is blocked for security reasons", scheme),
		}
	}

	if (scheme == SchemeHTTP || scheme == SchemeHTTPS) && parsed.Host == "" {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			ClientMessage: "redirect_uri: missing host",
		}
	}

	return nil
}

// ValidateRedirectURIsForRegistration validates every URI in the list, which
// must not be empty.
func ValidateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("%w: at least one redirect_uri is required", ErrInvalidClientMetadata)
	}
	for _, uri := range redirectURIs {
		if err := ValidateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeURIForLogging drops query and userinfo so logs cannot leak secrets
// a client embedded in its redirect URI.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 50 {
			return uri[:50] + "..."
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

// GetRedirectURIErrorCategory returns the category of a redirect URI error,
// or "unknown".
func GetRedirectURIErrorCategory(err error) string {
	var secErr *RedirectURISecurityError
	if errors.As(err, &secErr) {
		return secErr.Category
	}
	return "unknown"
}
