// Package keys generates and serializes the per-identity RSA key pairs used
// for record encryption. Public keys travel as base64 SPKI (the format browser
// WebCrypto exports), private keys as base64 PKCS#8. PEM input is also accepted.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// DefaultBits is the modulus size for generated keys.
const DefaultBits = 2048

// MinBits is the smallest modulus accepted from clients.
const MinBits = 2048

var (
	// ErrInvalidPublicKey is returned when a public key cannot be parsed as RSA SPKI.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when a private key cannot be parsed as RSA PKCS#8.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrKeyTooSmall is returned when an RSA modulus is below MinBits.
	ErrKeyTooSmall = errors.New("rsa key is smaller than 2048 bits")
)

// Generate creates a new RSA key pair of the given size.
// A bits value of zero selects DefaultBits.
func Generate(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultBits
	}
	if bits < MinBits {
		return nil, ErrKeyTooSmall
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return priv, nil
}

// MarshalPublicKey encodes pub as base64 SPKI DER.
func MarshalPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// MarshalPrivateKey encodes priv as base64 PKCS#8 DER.
func MarshalPrivateKey(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a base64 SPKI or PEM "PUBLIC KEY" block.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	der, err := decodeDER(s, "PUBLIC KEY")
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	if pub.N.BitLen() < MinBits {
		return nil, ErrKeyTooSmall
	}
	return pub, nil
}

// ParsePrivateKey decodes a base64 PKCS#8 or PEM "PRIVATE KEY" block.
func ParsePrivateKey(s string) (*rsa.PrivateKey, error) {
	der, err := decodeDER(s, "PRIVATE KEY")
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrInvalidPrivateKey
	}
	return priv, nil
}

// EncodePEM wraps a base64 DER key in a PEM block of the given type.
func EncodePEM(b64, blockType string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("failed to decode key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})), nil
}

func decodeDER(s, blockType string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil || block.Type != blockType {
			return nil, errors.New("unexpected pem block")
		}
		return block.Bytes, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
