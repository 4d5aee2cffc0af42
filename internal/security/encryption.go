// internal/security/encryption.go
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Encryption seals secrets at rest with AES-256-GCM. Ciphertext is base64 of
// nonce || sealed data.
type Encryption struct {
	aead cipher.AEAD
}

// NewEncryption accepts a 32-byte master key, raw or base64 encoded
func NewEncryption(masterKey string) (*Encryption, error) {
	keyBytes := []byte(masterKey)
	if decoded, err := base64.StdEncoding.DecodeString(masterKey); err == nil {
		keyBytes = decoded
	}

	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("invalid master key length: must be 32 bytes for AES-256, got %d", len(keyBytes))
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryption{aead: gcm}, nil
}

func (e *Encryption) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("plaintext cannot be empty")
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryption) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", fmt.Errorf("ciphertext cannot be empty")
	}

	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(decoded) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := decoded[:nonceSize], decoded[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}

	return string(plaintext), nil
}

// GenerateMasterKey returns a random base64 encoded 32-byte key
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ============================================================================
// Custodial signing key
// ============================================================================

// SigningKeySource is where the custodial key comes from. Exactly one of
// Encrypted (with MasterKey) or Plain is expected.
type SigningKeySource struct {
	Encrypted string
	MasterKey string
	Plain     string
}

// OpenSigningKey returns the hex private key of the custodial wallet
func OpenSigningKey(src SigningKeySource) (string, error) {
	switch {
	case src.Encrypted != "":
		if src.MasterKey == "" {
			return "", fmt.Errorf("master key required to open encrypted signing key")
		}
		enc, err := NewEncryption(src.MasterKey)
		if err != nil {
			return "", err
		}
		key, err := enc.Decrypt(src.Encrypted)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt signing key: %w", err)
		}
		return strings.TrimSpace(key), nil
	case src.Plain != "":
		return strings.TrimSpace(src.Plain), nil
	default:
		return "", fmt.Errorf("no signing key configured")
	}
}
