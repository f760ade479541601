// Package security holds the cryptographic and request-hardening building blocks of
// the authorization server.
//
// # Token sealing
//
// Sealer turns a plaintext payload into an opaque access token using an AEAD
// (AES-256-GCM by default, XChaCha20-Poly1305 optionally). The key is the
// SHA-256 of the configured server secret. A token looks like
//
//	kb_at.<nonce>.<ciphertext>.<tag>
//
// with each binary segment in unpadded base64url. The prefix is bound as
// additional authenticated data, so a token minted under one prefix does not
// open under another. Open reports only success or failure.
//
//	sealer, err := security.NewSealer(security.SealerConfig{Secret: secret})
//	token, err := sealer.Seal(payload)
//	payload, ok := sealer.Open(token)
//
// # Rate limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with
// LRU eviction at DefaultMaxLimiters entries and a background sweep of idle
// buckets. Middleware applies it per client IP and answers 429.
//
// # Auditing
//
// Auditor logs events from the events bus with client IPs hashed. Start it
// with go auditor.Run(ctx, bus).
package security
