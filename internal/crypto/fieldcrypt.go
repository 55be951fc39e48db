// ABOUTME: Field-level encryption for message text at rest.
// ABOUTME: ChaCha20-Poly1305 with an HKDF-derived key from the deployment secret.

package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyInfo   = "xians-message-text-v1"
	nonceSize = chacha20poly1305.NonceSize
	tagSize   = 16
)

// ErrBadEncoding indicates the value is not a validly encoded ciphertext.
// Callers treat such values as legacy plaintext.
var ErrBadEncoding = errors.New("value is not encoded ciphertext")

// ErrIntegrity indicates the ciphertext decoded but failed authentication,
// either a wrong key or tampering.
var ErrIntegrity = errors.New("ciphertext failed integrity check")

// FieldCipher encrypts and decrypts individual message fields.
// Wire format: base64(nonce[12] + ciphertext + tag[16]).
type FieldCipher struct {
	aead cipher.AEAD
}

// New derives a cipher from the deployment secret. The secret may be any
// length; the actual key is derived with HKDF-SHA256.
func New(secret string) (*FieldCipher, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is empty")
	}

	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// Encrypt seals the plaintext and returns the base64 wire form.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)

	wire := make([]byte, 0, nonceSize+len(sealed))
	wire = append(wire, nonce...)
	wire = append(wire, sealed...)
	return base64.StdEncoding.EncodeToString(wire), nil
}

// Decrypt opens a base64 wire-form ciphertext. Returns ErrBadEncoding when
// the value cannot be a ciphertext at all, ErrIntegrity when it decodes but
// fails authentication. Both cases leave the caller free to pass the original
// value through as plaintext.
func (c *FieldCipher) Decrypt(cipherText string) (string, error) {
	wire, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	if len(wire) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: %d bytes is below minimum", ErrBadEncoding, len(wire))
	}

	plain, err := c.aead.Open(nil, wire[:nonceSize], wire[nonceSize:], nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plain), nil
}
