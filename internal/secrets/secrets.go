// Package secrets seals and unseals per-graph secret values with AES-256-GCM.
// A sealed blob is base64url(nonce || ciphertext || tag) with a 96-bit random
// nonce.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	keyLen   = 32
	nonceLen = 12

	// minSealedChars is the shortest well-formed sealed blob: even an empty
	// plaintext carries a nonce and a 16-byte tag.
	minSealedChars = 32
)

// Envelope seals and unseals values under one symmetric key.
type Envelope struct {
	aead cipher.AEAD
}

// New builds an envelope from 32 raw key bytes.
func New(key []byte) (*Envelope, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Envelope{aead: aead}, nil
}

// NewFromEncodedKey builds an envelope from a base64url-encoded 32-byte key,
// the SECRETS_ENCRYPTION_KEY wire form.
func NewFromEncodedKey(encoded string) (*Envelope, error) {
	key, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not base64url: %w", err)
	}
	return New(key)
}

// NewEphemeral builds an envelope under a random key that lives only as
// long as the process.
func NewEphemeral() (*Envelope, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return New(key)
}

// Seal encrypts plaintext and returns the encoded blob.
func (e *Envelope) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts a blob produced by Seal. It fails on any tampering and on
// blobs sealed under a different key.
func (e *Envelope) Unseal(blob string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("sealed secret is not base64url: %w", err)
	}
	if len(raw) < nonceLen {
		return "", fmt.Errorf("sealed secret too short: %d bytes", len(raw))
	}
	plaintext, err := e.aead.Open(nil, raw[:nonceLen], raw[nonceLen:], nil)
	if err != nil {
		return "", fmt.Errorf("unseal secret: %w", err)
	}
	return string(plaintext), nil
}

// ValidateSealed applies the static well-formedness checks for a stored
// sealed blob without attempting decryption.
func ValidateSealed(blob string) error {
	if len(blob) < minSealedChars {
		return fmt.Errorf("sealed secret shorter than %d characters", minSealedChars)
	}
	raw, err := base64.URLEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("sealed secret is not base64url: %w", err)
	}
	if len(raw) < nonceLen {
		return fmt.Errorf("sealed secret decodes to fewer than %d bytes", nonceLen)
	}
	return nil
}
