// Package crypto seals and opens the per-exchange API credential blobs.
// AES-256-GCM with a random nonce per seal; the key comes from
// ENCRYPTION_KEY and never leaves process memory.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Vault encrypts and decrypts small secrets with one process-wide key.
type Vault struct {
	aead cipher.AEAD
}

// NewVault builds a vault from a 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext. Output layout: nonce || ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (v *Vault) Open(blob []byte) ([]byte, error) {
	if len(blob) < v.aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:v.aead.NonceSize()], blob[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential blob did not authenticate: %w", err)
	}
	return plaintext, nil
}

// SealString seals a secret into the base64 form the credential columns
// store.
func (v *Vault) SealString(plaintext string) (string, error) {
	blob, err := v.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// OpenString reverses SealString.
func (v *Vault) OpenString(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode credential blob: %w", err)
	}
	plaintext, err := v.Open(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// NewWebhookSecret mints a fresh per-user webhook secret.
func NewWebhookSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ParseKey accepts a 32-byte key as hex (with or without 0x) or base64.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty key")
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) == 32 {
			return b, nil
		}
		return nil, fmt.Errorf("hex key must decode to 32 bytes, got %d", len(b))
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) == 32 {
			return b, nil
		}
		return nil, fmt.Errorf("base64 key must decode to 32 bytes, got %d", len(b))
	}
	return nil, errors.New("key must be hex(32 bytes) or base64(32 bytes)")
}
