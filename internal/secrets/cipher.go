// Package secrets provides envelope encryption for bearer credentials at
// rest. It is a narrow, stateless component injected wherever a working
// credential is needed.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrInvalidEnvelope = errors.New("invalid credential envelope")

// Cipher seals plaintext credentials into portable string envelopes.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromEnv reads a hex-encoded key from WABA_CREDENTIAL_KEY.
func NewCipherFromEnv() (*Cipher, error) {
	raw := strings.TrimSpace(os.Getenv("WABA_CREDENTIAL_KEY"))
	if raw == "" {
		return nil, errors.New("WABA_CREDENTIAL_KEY is required")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("WABA_CREDENTIAL_KEY is not valid hex: %w", err)
	}
	return NewCipher(key)
}

// Encrypt seals plaintext into an envelope string (version prefix + base64 of
// nonce||ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return "v1:" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	rest, ok := strings.CutPrefix(envelope, "v1:")
	if !ok {
		return "", ErrInvalidEnvelope
	}
	sealed, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return "", ErrInvalidEnvelope
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", ErrInvalidEnvelope
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidEnvelope
	}
	return string(plain), nil
}
