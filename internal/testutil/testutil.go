package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/gridstatus/keybridge/credential"
	"github.com/gridstatus/keybridge/security"
	"github.com/gridstatus/keybridge/storage"
)

// TestSecret is a token secret long enough for security.NewSealer.
const TestSecret = "keybridge-test-secret-0123456789abcdef"

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// NewTestSealer returns an AES-GCM sealer keyed with TestSecret.
func NewTestSealer(t testing.TB) *security.Sealer {
	t.Helper()
	sealer, err := security.NewSealer(security.SealerConfig{Secret: []byte(TestSecret)})
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return sealer
}

// MustAPIKey wraps credential.APIKey for fixtures.
func MustAPIKey(t testing.TB, key string) credential.Credential {
	t.Helper()
	cred, err := credential.APIKey(key)
	if err != nil {
		t.Fatalf("credential.APIKey(%q) error = %v", key, err)
	}
	return cred
}

// GenerateTestClient creates a registered client fixture.
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:     "test-client-id",
		ClientName:   "Test Client",
		RedirectURIs: []string{"https://example.com/callback"},
		CreatedAt:    time.Now(),
	}
}

// GenerateTestAuthorizationCode creates an unexpired code fixture for an
// anonymous credential.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            "test-client-id",
		RedirectURI:         "https://example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Credential:          credential.Anonymous(),
		State:               "test-state",
		IssuedAt:            now,
		ExpiresAt:           now.Add(5 * time.Minute),
	}
}

// GenerateTestRefreshToken creates an unexpired refresh token fixture.
func GenerateTestRefreshToken() *storage.RefreshToken {
	now := time.Now()
	return &storage.RefreshToken{
		Token:      GenerateRandomString(43),
		ClientID:   "test-client-id",
		Credential: credential.Anonymous(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(7 * 24 * time.Hour),
	}
}
