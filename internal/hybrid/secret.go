package hybrid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SecretSize is the length of a grant fragment secret.
const SecretSize = 32

const (
	saltSize   = 16
	sealedInfo = "medledger grant key v1"
)

// ErrInvalidSecret is returned for a secret of the wrong length or encoding.
var ErrInvalidSecret = errors.New("invalid secret")

// NewSecret returns a random secret for SealWithSecret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}

// EncodeSecret renders a secret for a URI fragment.
func EncodeSecret(secret []byte) string {
	return base64.RawURLEncoding.EncodeToString(secret)
}

// DecodeSecret parses a secret produced by EncodeSecret.
func DecodeSecret(s string) ([]byte, error) {
	secret, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(secret) != SecretSize {
		return nil, ErrInvalidSecret
	}
	return secret, nil
}

// SealWithSecret encrypts plaintext under a key derived from secret with
// HKDF-SHA256. Output is base64url(salt || iv || ciphertext).
func SealWithSecret(secret, plaintext []byte) (string, error) {
	if len(secret) != SecretSize {
		return "", ErrInvalidSecret
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	key, err := deriveKey(secret, salt)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+ivSize+len(plaintext)+tagSize)
	out = append(out, salt...)
	out = append(out, iv...)
	out = gcm.Seal(out, iv, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// OpenWithSecret reverses SealWithSecret.
func OpenWithSecret(secret []byte, sealed string) ([]byte, error) {
	if len(secret) != SecretSize {
		return nil, ErrInvalidSecret
	}
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) < saltSize+ivSize+tagSize {
		return nil, ErrDecryptionFailed
	}
	salt, iv, ciphertext := raw[:saltSize], raw[saltSize:saltSize+ivSize], raw[saltSize+ivSize:]

	key, err := deriveKey(secret, salt)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func deriveKey(secret, salt []byte) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(sealedInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
