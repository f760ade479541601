package storage

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/gridstatus/keybridge/credential"
)

var (
	// ErrNotFound is returned when a record does not exist (or was already taken).
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when saving a record under a key already in use.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrExpired marks a record that was found but is past its expiry. Stores
	// never return it; callers wrap it when rejecting a taken record.
	ErrExpired = errors.New("storage: expired")
)

// Client is a dynamically registered public client.
type Client struct {
	ClientID     string
	ClientName   string
	RedirectURIs []string
	CreatedAt    time.Time
}

// HasRedirectURI reports whether uri is registered for the client. Matching is
// exact string comparison.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &cp
}

// AuthorizationCode binds a pending authorization to the credential captured
// at the consent form and the PKCE challenge the client committed to.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Credential          credential.Credential
	Resource            string
	Scope               string
	State               string
	IssuedAt            time.Time
	ExpiresAt           time.Time
}

// IsExpired reports whether the code is unusable at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RefreshToken is the server-side record behind a refresh token string.
type RefreshToken struct {
	Token      string
	ClientID   string
	Credential credential.Credential
	Resource   string
	Scope      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// IsExpired reports whether the refresh token is unusable at now.
func (r *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ClientStore holds registered clients. There is no update or delete.
type ClientStore interface {
	// SaveClient stores a new client. Returns ErrAlreadyExists if the ID is taken.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// CodeStore holds authorization codes until they are redeemed or swept.
type CodeStore interface {
	// SaveAuthorizationCode stores a new code. Returns ErrAlreadyExists on collision.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// TakeAuthorizationCode removes and returns the code in one atomic step,
	// whether or not it has expired. Returns ErrNotFound if absent.
	TakeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// RefreshTokenStore holds refresh token records until they are used or swept.
type RefreshTokenStore interface {
	// SaveRefreshToken stores a new record. Returns ErrAlreadyExists on collision.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// ConsumeRefreshToken removes and returns the record in one atomic step,
	// whether or not it has expired. Returns ErrNotFound if absent.
	ConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
}

// Store is the full set of state the authorization server needs.
type Store interface {
	ClientStore
	CodeStore
	RefreshTokenStore
}
