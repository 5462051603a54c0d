package secrets

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	env, err := c.Encrypt("EAAG-long-lived-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if env == "EAAG-long-lived-token" {
		t.Fatal("envelope must not equal plaintext")
	}
	plain, err := c.Decrypt(env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "EAAG-long-lived-token" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, _ := NewCipher(testKey())
	env, _ := c.Encrypt("secret")
	tampered := env[:len(env)-2] + "AA"
	if _, err := c.Decrypt(tampered); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
	if _, err := c.Decrypt("not-an-envelope"); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope for missing prefix, got %v", err)
	}
}

func TestKeyLengthEnforced(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}
