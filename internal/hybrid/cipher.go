package hybrid

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/onnwee/medledger/internal/keys"
)

// Placeholders shown to callers that cannot read an envelope.
const (
	PlaceholderUndisplayable    = "[Encrypted Record]"
	PlaceholderDecryptionFailed = "[Decryption Failed]"
)

// Encrypt seals plaintext under a fresh key and IV and wraps the key for pub.
func Encrypt(plaintext []byte, pub *rsa.PublicKey) (*Envelope, error) {
	contentKey := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, contentKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap content key: %w", err)
	}

	return &Envelope{IV: iv, WrappedKey: wrapped, Ciphertext: ciphertext}, nil
}

// Decrypt unwraps the content key with priv and opens the ciphertext.
// Every failure is reported as ErrDecryptionFailed.
func Decrypt(env *Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	if env == nil || env.validate() != nil {
		return nil, ErrDecryptionFailed
	}
	contentKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, env.WrappedKey, nil)
	if err != nil || len(contentKey) != keySize {
		return nil, ErrDecryptionFailed
	}
	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := gcm.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString encrypts plaintext for a serialized public key and returns the
// JSON envelope text.
func EncryptString(plaintext, publicKey string) (string, error) {
	pub, err := keys.ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	env, err := Encrypt([]byte(plaintext), pub)
	if err != nil {
		return "", err
	}
	return env.MarshalJSONString()
}

// DecryptString parses a JSON or CBOR envelope and decrypts it.
func DecryptString(envelope string, priv *rsa.PrivateKey) (string, error) {
	env, err := ParseEnvelope([]byte(envelope))
	if err != nil {
		return "", err
	}
	plaintext, err := Decrypt(env, priv)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Reveal never fails: foreign data maps to PlaceholderUndisplayable and key or
// integrity failures map to PlaceholderDecryptionFailed.
func Reveal(envelope string, priv *rsa.PrivateKey) string {
	env, err := ParseEnvelope([]byte(envelope))
	if err != nil {
		return PlaceholderUndisplayable
	}
	plaintext, err := Decrypt(env, priv)
	if err != nil {
		return PlaceholderDecryptionFailed
	}
	return string(plaintext)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
