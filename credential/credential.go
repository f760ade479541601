// Package credential defines the value a bearer token resolves to: either an
// API key the user supplied at the consent form, or an explicit anonymous
// choice. The two cases are a tagged variant so an anonymous caller can never
// be confused with a caller holding an empty or unusual key.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind discriminates the Credential variants.
type Kind uint8

const (
	// KindInvalid is the zero value and never produced by a constructor.
	KindInvalid Kind = iota
	// KindAuthenticated carries an API key.
	KindAuthenticated
	// KindAnonymous carries nothing.
	KindAnonymous
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuthenticated:
		return "authenticated"
	case KindAnonymous:
		return "anonymous"
	default:
		return "invalid"
	}
}

// ErrEmptyAPIKey is returned when an authenticated credential is built from an empty key.
var ErrEmptyAPIKey = errors.New("credential: api key is empty")

// ErrMalformedAPIKey is returned for keys that are not valid UTF-8 or contain
// control characters. Such keys cannot survive token encoding or travel in an
// HTTP header unchanged.
var ErrMalformedAPIKey = errors.New("credential: api key is not valid UTF-8 text or contains control characters")

// ErrInvalidCredential is returned when the zero Credential is used where a
// resolved one is required.
var ErrInvalidCredential = errors.New("credential: invalid credential")

// Credential is the resolved identity of a caller.
// The zero value is invalid; use APIKey or Anonymous.
type Credential struct {
	kind   Kind
	apiKey string
}

// APIKey returns an authenticated credential holding key.
func APIKey(key string) (Credential, error) {
	if key == "" {
		return Credential{}, ErrEmptyAPIKey
	}
	if !utf8.ValidString(key) || strings.IndexFunc(key, unicode.IsControl) >= 0 {
		return Credential{}, ErrMalformedAPIKey
	}
	return Credential{kind: KindAuthenticated, apiKey: key}, nil
}

// Anonymous returns the credential of a user who skipped the consent form.
func Anonymous() Credential {
	return Credential{kind: KindAnonymous}
}

// Kind returns the variant tag.
func (c Credential) Kind() Kind { return c.kind }

// IsValid reports whether c was produced by a constructor.
func (c Credential) IsValid() bool {
	return c.kind == KindAuthenticated || c.kind == KindAnonymous
}

// IsAnonymous reports whether c is the anonymous variant.
func (c Credential) IsAnonymous() bool { return c.kind == KindAnonymous }

// Key returns the API key and true for an authenticated credential.
func (c Credential) Key() (string, bool) {
	if c.kind != KindAuthenticated {
		return "", false
	}
	return c.apiKey, true
}

// Equal reports whether two credentials are the same variant with the same key.
func (c Credential) Equal(other Credential) bool {
	return c.kind == other.kind && c.apiKey == other.apiKey
}

// Fingerprint returns a short, non-reversible identifier suitable for logs and
// events. Anonymous credentials fingerprint to "anonymous".
func (c Credential) Fingerprint() string {
	switch c.kind {
	case KindAuthenticated:
		sum := sha256.Sum256([]byte(c.apiKey))
		return hex.EncodeToString(sum[:])[:16]
	case KindAnonymous:
		return KindAnonymous.String()
	default:
		return KindInvalid.String()
	}
}

// String never prints the key.
func (c Credential) String() string {
	if c.kind == KindAuthenticated {
		return "authenticated(redacted)"
	}
	return c.kind.String()
}

// LogValue implements slog.LogValuer so a Credential passed to a logger is redacted.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", c.kind.String()),
		slog.String("fingerprint", c.Fingerprint()),
	)
}

type wireCredential struct {
	Kind   string `json:"kind"`
	APIKey string `json:"api_key,omitempty"`
}

// MarshalJSON encodes the credential for sealing inside tokens.
func (c Credential) MarshalJSON() ([]byte, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("%w: cannot marshal %s credential", ErrInvalidCredential, c.kind)
	}
	return json.Marshal(wireCredential{Kind: c.kind.String(), APIKey: c.apiKey})
}

// UnmarshalJSON decodes a credential, rejecting unknown kinds and keys attached
// to the anonymous variant.
func (c *Credential) UnmarshalJSON(data []byte) error {
	var w wireCredential
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case KindAuthenticated.String():
		cred, err := APIKey(w.APIKey)
		if err != nil {
			return err
		}
		*c = cred
	case KindAnonymous.String():
		if w.APIKey != "" {
			return errors.New("credential: anonymous credential carries a key")
		}
		*c = Anonymous()
	default:
		return fmt.Errorf("credential: unknown kind %q", w.Kind)
	}
	return nil
}

var (
	_ slog.LogValuer   = Credential{}
	_ json.Marshaler   = Credential{}
	_ json.Unmarshaler = (*Credential)(nil)
)
