// Package secrets manages the server-wide signing secret and the per-machine
// shared secrets: normalization to the 64-hex form, hashing for lookup, and
// AES-GCM encryption at rest with a key derived from the server secret.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"

	"golang.org/x/crypto/hkdf"
)

// KeyStore persists the generated server secret across restarts.
type KeyStore interface {
	ServerSecret() (string, error)
	SaveServerSecret(secret string) error
}

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Manager holds the server secret and the derived encryption key.
// Key material is loaded once at boot and kept in memory.
type Manager struct {
	serverSecret []byte // 64-hex ASCII bytes, the HMAC key for session tokens
	aead         cipher.AEAD
}

// Ensure returns a Manager for the configured secret. When override is empty
// the persisted secret is used, generated first if none exists yet.
func Ensure(store KeyStore, override string) (*Manager, error) {
	secret := override
	if secret == "" {
		stored, err := store.ServerSecret()
		if err != nil {
			return nil, fmt.Errorf("load server secret: %w", err)
		}
		secret = stored
	}
	if secret == "" {
		generated, err := GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate server secret: %w", err)
		}
		if err := store.SaveServerSecret(generated); err != nil {
			return nil, fmt.Errorf("persist server secret: %w", err)
		}
		secret = generated
	}
	return NewManager(secret)
}

// NewManager derives the at-rest encryption key from the server secret.
// Non-hex secrets (operator-supplied passphrases) are normalized first.
func NewManager(serverSecret string) (*Manager, error) {
	normalized := Normalize(serverSecret)

	kdf := hkdf.New(sha256.New, []byte(normalized), nil, []byte("fleet-sentinel/machine-secret-encryption/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Manager{serverSecret: []byte(normalized), aead: aead}, nil
}

// SigningKey returns the key used to sign terminal session tokens.
func (m *Manager) SigningKey() []byte {
	return m.serverSecret
}

// Encrypt seals a machine secret for storage. The random nonce is embedded
// in the blob, so each call produces a distinct ciphertext.
func (m *Manager) Encrypt(plain string) (string, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored machine secret.
func (m *Manager) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("decode secret blob: %w", err)
	}
	if len(raw) < m.aead.NonceSize() {
		return "", fmt.Errorf("secret blob too short: %d bytes", len(raw))
	}
	nonce, sealed := raw[:m.aead.NonceSize()], raw[m.aead.NonceSize():]
	plain, err := m.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open secret blob: %w", err)
	}
	return string(plain), nil
}

// Normalize maps any shared-secret value to its 64-hex canonical form.
// Values already in that form pass through; legacy plaintext keys are
// replaced by the hex SHA-256 of their bytes. Idempotent.
func Normalize(raw string) string {
	if hex64.MatchString(raw) {
		return raw
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Hash returns the lookup hash of a normalized secret: hex SHA-256 over the
// 64-hex ASCII bytes. Stored on the machine row; never reversible.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Equal compares two secret strings in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// GenerateSecret returns a fresh 64-hex secret from 32 random bytes.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
