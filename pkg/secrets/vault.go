// Package secrets implements the authenticated-encryption vault that
// protects Environment secret values at rest.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required master key length in bytes.
const KeySize = chacha20poly1305.KeySize // 32

// Vault performs authenticated symmetric encryption of secret values with a
// process-wide master key.
type Vault struct {
	aead Cipher
}

// Cipher is the subset of cipher.AEAD the vault depends on; kept as an
// interface so tests can swap in a deterministic fake if ever needed.
type Cipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// New builds a Vault from a 32-byte master key.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}

	aead, err := chacha20poly1305.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext+tag).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	out := append(nonce, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt fails closed: tampering, truncation, or a mismatched key all
// return an error rather than any partial plaintext.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}

	return string(plaintext), nil
}

// EncryptAll encrypts every value of a plaintext map.
func (v *Vault) EncryptAll(plain map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(plain))
	for k, val := range plain {
		enc, err := v.Encrypt(val)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptAll decrypts every value of a ciphertext map.
func (v *Vault) DecryptAll(encrypted map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(encrypted))
	for k, val := range encrypted {
		plain, err := v.Decrypt(val)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %q: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}

// GenerateKey produces a random KeySize-byte master key, used only outside
// production when no key is configured.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// DecodeKey base64-decodes a configured master key.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid master key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
