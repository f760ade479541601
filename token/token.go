// Package token mints and verifies keybridge tokens.
//
// Access tokens are stateless: a JSON Payload sealed with a security.Sealer.
// Refresh tokens are random strings backed by a storage.RefreshToken record
// and are rotated on every use.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/gridstatus/keybridge/credential"
	"github.com/gridstatus/keybridge/security"
	"github.com/gridstatus/keybridge/storage"
)

const (
	// DefaultAccessTokenTTL is the lifetime of an access token.
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the lifetime of a refresh token.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	// TokenType is the token_type of every issued access token.
	TokenType = "Bearer"
)

var (
	// ErrInvalidRefreshToken is returned by Refresh for any unusable refresh
	// token. The cause is joined in for logging and metrics.
	ErrInvalidRefreshToken = errors.New("token: invalid refresh token")

	// ErrClientMismatch marks a grant presented by a client other than the
	// one it was issued to.
	ErrClientMismatch = errors.New("token: client mismatch")
)

// Payload is the sealed content of an access token. It is never stored.
type Payload struct {
	Credential credential.Credential `json:"cred"`
	ClientID   string                `json:"cid"`
	Resource   string                `json:"aud,omitempty"`
	Scope      string                `json:"scope,omitempty"`
	IssuedAt   time.Time             `json:"iat"`
	ExpiresAt  time.Time             `json:"exp"`
}

// Grant is what a token pair is issued for.
type Grant struct {
	Credential credential.Credential
	ClientID   string
	Resource   string
	Scope      string
}

// Config holds issuer lifetimes and clock.
type Config struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Issuer mints access/refresh token pairs and validates access tokens.
type Issuer struct {
	sealer *security.Sealer
	store  storage.RefreshTokenStore

	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer creates an Issuer. Zero durations fall back to the defaults.
func NewIssuer(sealer *security.Sealer, store storage.RefreshTokenStore, cfg Config) *Issuer {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Issuer{
		sealer:     sealer,
		store:      store,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		now:        cfg.Clock,
	}
}

// AccessTokenTTL returns the configured access token lifetime.
func (i *Issuer) AccessTokenTTL() time.Duration {
	return i.accessTTL
}

// Issue seals a new access token for g and stores a fresh refresh token
// record. The scope, when present, is attached as token extra "scope".
func (i *Issuer) Issue(ctx context.Context, g Grant) (*oauth2.Token, error) {
	if !g.Credential.IsValid() {
		return nil, fmt.Errorf("issue token: %w", credential.ErrInvalidCredential)
	}
	if g.ClientID == "" {
		return nil, fmt.Errorf("issue token: client id is required")
	}

	now := i.now()
	payload := Payload{
		Credential: g.Credential,
		ClientID:   g.ClientID,
		Resource:   g.Resource,
		Scope:      g.Scope,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.accessTTL),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode token payload: %w", err)
	}
	access, err := i.sealer.Seal(raw)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}

	refresh := oauth2.GenerateVerifier()
	err = i.store.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:      refresh,
		ClientID:   g.ClientID,
		Credential: g.Credential,
		Resource:   g.Resource,
		Scope:      g.Scope,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		TokenType:    TokenType,
		RefreshToken: refresh,
		Expiry:       payload.ExpiresAt,
		ExpiresIn:    int64(i.accessTTL / time.Second),
	}
	if g.Scope != "" {
		tok = tok.WithExtra(map[string]any{"scope": g.Scope})
	}
	return tok, nil
}

// Refresh consumes refreshToken and issues a new pair for the same
// credential and client. The old token is gone whether or not this succeeds.
// clientID may be empty; when set it must match the record.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, clientID string) (*oauth2.Token, Grant, error) {
	record, err := i.store.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Grant{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
		}
		return nil, Grant{}, fmt.Errorf("consume refresh token: %w", err)
	}
	if record.IsExpired(i.now()) {
		return nil, Grant{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, storage.ErrExpired)
	}
	if clientID != "" && clientID != record.ClientID {
		return nil, Grant{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, ErrClientMismatch)
	}

	g := Grant{
		Credential: record.Credential,
		ClientID:   record.ClientID,
		Resource:   record.Resource,
		Scope:      record.Scope,
	}
	tok, err := i.Issue(ctx, g)
	if err != nil {
		return nil, Grant{}, err
	}
	return tok, g, nil
}

// Validate opens an access token and returns its payload. Any failure,
// including expiry, is reported as false with no detail.
func (i *Issuer) Validate(accessToken string) (Payload, bool) {
	raw, ok := i.sealer.Open(accessToken)
	if !ok {
		return Payload{}, false
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, false
	}
	if !p.Credential.IsValid() || p.ClientID == "" {
		return Payload{}, false
	}
	if !i.now().Before(p.ExpiresAt) {
		return Payload{}, false
	}
	return p, true
}
