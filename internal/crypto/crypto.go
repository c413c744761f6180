// Package crypto provides envelope encryption for long-lived tenant
// credentials. Uses AES-256-GCM with the tenant name as associated data so a
// ciphertext sealed for one tenant can never be opened under another.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	// SchemeVersion is stored beside each ciphertext to allow key rotation.
	SchemeVersion = "v1"

	// KeySize is the required master key length in bytes (AES-256).
	KeySize = 32

	versionPrefix = SchemeVersion + ":"
)

// DecryptError indicates a ciphertext could not be opened: tag mismatch,
// associated-data mismatch, or an unknown scheme version.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt failed: %s", e.Reason)
}

// Service seals and opens tenant credential material with a single
// process-wide master key. The key lives in memory only; it is never logged
// or written to disk.
type Service struct {
	aead cipher.AEAD
}

// NewService creates an encryption service from a 32-byte master key.
func NewService(key []byte) (*Service, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM mode: %w", err)
	}

	return &Service{aead: aead}, nil
}

// NewServiceFromHex creates an encryption service from a 64-character hex key,
// the form the key takes in the environment.
func NewServiceFromHex(keyHex string) (*Service, error) {
	if len(keyHex) != KeySize*2 {
		return nil, fmt.Errorf("encryption key must be %d hex characters, got %d", KeySize*2, len(keyHex))
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}

	return NewService(key)
}

// Encrypt seals plaintext for the named tenant. The result is the scheme
// version, a colon, and base64(nonce || sealed bytes). The nonce is random
// per call; reuse under the same key would break GCM entirely.
func (s *Service) Encrypt(plaintext, tenantName string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(tenantName))
	return versionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext previously sealed for the named tenant. A
// ciphertext sealed for a different tenant, a tampered ciphertext, or an
// unknown version all fail with *DecryptError.
func (s *Service) Decrypt(ciphertext, tenantName string) (string, error) {
	version, encoded, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", &DecryptError{Reason: "missing scheme version"}
	}
	if version != SchemeVersion {
		return "", &DecryptError{Reason: fmt.Sprintf("unknown scheme version %q", version)}
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptError{Reason: "invalid base64 encoding"}
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", &DecryptError{Reason: "ciphertext too short"}
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, []byte(tenantName))
	if err != nil {
		// GCM authentication failure: wrong tenant, wrong key, or tampering.
		return "", &DecryptError{Reason: "authentication failed"}
	}

	return string(plaintext), nil
}

// GenerateKey produces a fresh 32-byte master key in hex form, for initial
// setup or rotation.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
