// Package secrets encrypts connector credentials and external server
// tokens at rest with AES-256-GCM. Each value is sealed under a key
// derived from the master key and the owning user, so a ciphertext
// copied between rows of different users will not decrypt.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKey    = errors.New("invalid encryption key")
	ErrDecryptFailed = errors.New("decryption failed: data corrupted or wrong key")
)

const (
	saltSize = 16
	keySize  = 32 // AES-256
	// OWASP recommended minimum for PBKDF2-SHA256
	pbkdf2Iterations = 100000
)

// Manager seals and opens credential blobs. A blob is
// base64(salt || nonce || ciphertext), so rows need a single text
// column and master key rotation never needs schema changes.
type Manager struct {
	masterKey []byte
}

// NewManager creates a manager from a base64-encoded master key.
// The decoded key must be at least 32 bytes.
func NewManager(masterKeyBase64 string) (*Manager, error) {
	if masterKeyBase64 == "" {
		return nil, ErrInvalidKey
	}
	masterKey, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format: %w", err)
	}
	if len(masterKey) < keySize {
		return nil, ErrInvalidKey
	}
	return &Manager{masterKey: masterKey}, nil
}

// GenerateMasterKey creates a new random master key for initial setup.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// deriveKey derives a per-user encryption key. The user scope is
// appended to a fresh buffer so the master key slice is never aliased.
func (m *Manager) deriveKey(userID uint, salt []byte) []byte {
	scope := []byte(fmt.Sprintf("user:%d", userID))
	combined := make([]byte, 0, len(m.masterKey)+len(scope))
	combined = append(combined, m.masterKey...)
	combined = append(combined, scope...)
	return pbkdf2.Key(combined, salt, pbkdf2Iterations, keySize, sha256.New)
}

// Seal encrypts plaintext for the given user and returns the blob.
func (m *Manager) Seal(userID uint, plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(m.deriveKey(userID, salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Open decrypts a blob sealed for the given user.
func (m *Manager) Open(userID uint, blobBase64 string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(blobBase64)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext: %w", err)
	}
	if len(blob) < saltSize {
		return "", ErrDecryptFailed
	}
	salt, rest := blob[:saltSize], blob[saltSize:]

	block, err := aes.NewCipher(m.deriveKey(userID, salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return "", ErrDecryptFailed
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// SealJSON encrypts a JSON-serializable value.
func (m *Manager) SealJSON(userID uint, value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return m.Seal(userID, string(raw))
}

// OpenJSON decrypts a blob and unmarshals it into target.
func (m *Manager) OpenJSON(userID uint, blobBase64 string, target interface{}) error {
	plaintext, err := m.Open(userID, blobBase64)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(plaintext), target)
}
