package server

import (
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/oauth2"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// validatePKCE checks verifier against the challenge recorded with a code.
// Only S256 is supported.
func validatePKCE(challenge, method, verifier string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("%w: unsupported code_challenge_method %q", errPKCE, method)
	}
	if challenge == "" {
		return fmt.Errorf("%w: missing code_challenge", errPKCE)
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("%w: code_verifier must be %d-%d characters", errPKCE, MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if !isUnreserved(verifier) {
		return fmt.Errorf("%w: code_verifier contains invalid characters", errPKCE)
	}

	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("%w: code_verifier does not match code_challenge", errPKCE)
	}
	return nil
}

// isUnreserved reports whether s only uses [A-Za-z0-9-._~].
func isUnreserved(s string) bool {
	for _, ch := range s {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return false
		}
	}
	return true
}

// validateScopes checks that every requested scope is supported. With no
// supported scopes configured, anything is accepted.
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 || scope == "" {
		return nil
	}
	for _, requested := range strings.Fields(scope) {
		if !slices.Contains(s.Config.SupportedScopes, requested) {
			return fmt.Errorf("unsupported scope: %s", requested)
		}
	}
	return nil
}
