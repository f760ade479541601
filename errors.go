package oauth

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidToken          = "invalid_token"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeServerError           = "server_error"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
)

// Fixed descriptions. Grant failures share one text so the response never
// tells a caller which check failed.
const (
	descriptionInvalidGrant = "authorization grant is invalid, expired, or revoked"
	descriptionServerError  = "internal server error"
	descriptionBodyTooLarge = "request body too large"
)

// Error represents an OAuth 2.0 error response
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token cannot be redeemed
	ErrInvalidGrant = func() *Error {
		return NewError(ErrorCodeInvalidGrant, descriptionInvalidGrant, http.StatusBadRequest)
	}

	// ErrInvalidClientMetadata indicates a registration request was refused (RFC 7591)
	ErrInvalidClientMetadata = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClientMetadata, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	ErrUnsupportedGrantType = func(grantType string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, fmt.Sprintf("grant type %q is not supported", grantType), http.StatusBadRequest)
	}

	// ErrServerError hides the cause of an unexpected failure; log it separately.
	ErrServerError = func() *Error {
		return NewError(ErrorCodeServerError, descriptionServerError, http.StatusInternalServerError)
	}

	ErrBodyTooLarge = func() *Error {
		return NewError(ErrorCodeInvalidRequest, descriptionBodyTooLarge, http.StatusRequestEntityTooLarge)
	}
)
