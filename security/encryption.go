package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher names an AEAD construction usable by a Sealer.
type Cipher string

const (
	// CipherAESGCM selects AES-256-GCM (default).
	CipherAESGCM Cipher = "aes-gcm"
	// CipherXChaCha20Poly1305 selects XChaCha20-Poly1305 with 24-byte nonces.
	CipherXChaCha20Poly1305 Cipher = "xchacha20poly1305"
)

const (
	// DefaultTokenPrefix marks sealed access tokens.
	DefaultTokenPrefix = "kb_at"

	// MinSecretLength is the shortest server secret accepted by NewSealer.
	MinSecretLength = 32

	tokenSeparator = "."
	tokenSegments  = 4
)

// segmentEncoding rejects non-canonical encodings so every token has exactly
// one textual form.
var segmentEncoding = base64.RawURLEncoding.Strict()

// SealerConfig configures a Sealer.
type SealerConfig struct {
	// Secret is the server-held secret. The AEAD key is SHA-256(Secret).
	Secret []byte

	// Cipher selects the AEAD. Default: CipherAESGCM.
	Cipher Cipher

	// Prefix is the constant first segment of every token and is bound as
	// additional data. Default: DefaultTokenPrefix.
	Prefix string
}

// Sealer turns plaintext into an opaque, tamper-evident token and back.
// Token layout: prefix.nonce.ciphertext.tag, each binary segment base64url
// without padding. A Sealer is safe for concurrent use.
type Sealer struct {
	aead   cipher.AEAD
	prefix string
}

// NewSealer builds a Sealer from cfg.
func NewSealer(cfg SealerConfig) (*Sealer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret))
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultTokenPrefix
	}
	if strings.Contains(cfg.Prefix, tokenSeparator) {
		return nil, fmt.Errorf("token prefix %q must not contain %q", cfg.Prefix, tokenSeparator)
	}
	if cfg.Cipher == "" {
		cfg.Cipher = CipherAESGCM
	}

	key := DeriveKey(cfg.Secret)

	var (
		aead cipher.AEAD
		err  error
	)
	switch cfg.Cipher {
	case CipherAESGCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
	case CipherXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported cipher %q", cfg.Cipher)
	}

	return &Sealer{aead: aead, prefix: cfg.Prefix}, nil
}

// DeriveKey fixes an arbitrary-length secret to a 32-byte AEAD key.
func DeriveKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

// Prefix returns the token prefix.
func (s *Sealer) Prefix() string {
	return s.prefix
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, plaintext, []byte(s.prefix))
	split := len(sealed) - s.aead.Overhead()
	ciphertext, tag := sealed[:split], sealed[split:]

	return strings.Join([]string{
		s.prefix,
		segmentEncoding.EncodeToString(nonce),
		segmentEncoding.EncodeToString(ciphertext),
		segmentEncoding.EncodeToString(tag),
	}, tokenSeparator), nil
}

// Open authenticates and decrypts a token produced by Seal. Every failure
// (wrong prefix, segment count, encoding, length, or tag) yields false and
// nothing else.
func (s *Sealer) Open(token string) ([]byte, bool) {
	parts := strings.Split(token, tokenSeparator)
	if len(parts) != tokenSegments || parts[0] != s.prefix {
		return nil, false
	}

	nonce, err := segmentEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != s.aead.NonceSize() {
		return nil, false
	}
	ciphertext, err := segmentEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, false
	}
	tag, err := segmentEncoding.DecodeString(parts[3])
	if err != nil || len(tag) != s.aead.Overhead() {
		return nil, false
	}

	plaintext, err := s.aead.Open(nil, nonce, append(ciphertext, tag...), []byte(s.prefix))
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// GenerateSecret returns a new random secret, base64url encoded, suitable for
// SealerConfig.Secret.
func GenerateSecret() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}
