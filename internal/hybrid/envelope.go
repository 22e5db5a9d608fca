// Package hybrid implements the record envelope: content is sealed with a fresh
// AES-256-GCM key per message and that key is wrapped with the recipient's RSA
// public key using OAEP (SHA-256).
package hybrid

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	ivSize  = 12
	keySize = 32
	tagSize = 16
)

var (
	// ErrMalformedEnvelope is returned when input does not parse as an envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrDecryptionFailed covers wrong keys, corrupted envelopes and tag mismatches.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Envelope is the self-describing ciphertext container stored for every record.
// JSON fields are standard base64; the CBOR form uses integer keys.
type Envelope struct {
	IV         []byte `json:"iv" cbor:"1,keyasint"`
	WrappedKey []byte `json:"wrappedKey" cbor:"2,keyasint"`
	Ciphertext []byte `json:"ciphertext" cbor:"3,keyasint"`
}

// wireEnvelope also accepts the older {iv, key, data} field names.
type wireEnvelope struct {
	IV         []byte `json:"iv"`
	WrappedKey []byte `json:"wrappedKey"`
	Ciphertext []byte `json:"ciphertext"`
	Key        []byte `json:"key"`
	Data       []byte `json:"data"`
}

var cborEncMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("hybrid: cbor encoder: %v", err))
	}
	cborEncMode = mode
}

// MarshalJSONString returns the canonical JSON text stored in encryptedContent.
func (e *Envelope) MarshalJSONString() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(data), nil
}

// MarshalCBOR returns the compact binary form of the envelope.
func (e *Envelope) MarshalCBOR() ([]byte, error) {
	type plain Envelope
	data, err := cborEncMode.Marshal((*plain)(e))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// ParseEnvelope decodes either the JSON or the CBOR form. Only JSON input is
// whitespace-trimmed; CBOR bytes are decoded as given.
func ParseEnvelope(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrMalformedEnvelope
	}

	var env Envelope
	if trimmed[0] == '{' {
		var wire wireEnvelope
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return nil, ErrMalformedEnvelope
		}
		env = Envelope{IV: wire.IV, WrappedKey: wire.WrappedKey, Ciphertext: wire.Ciphertext}
		if len(env.WrappedKey) == 0 {
			env.WrappedKey = wire.Key
		}
		if len(env.Ciphertext) == 0 {
			env.Ciphertext = wire.Data
		}
	} else {
		type plain Envelope
		if err := cbor.Unmarshal(data, (*plain)(&env)); err != nil {
			return nil, ErrMalformedEnvelope
		}
	}

	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// IsEnvelope reports whether s parses as an envelope.
func IsEnvelope(s string) bool {
	_, err := ParseEnvelope([]byte(s))
	return err == nil
}

func (e *Envelope) validate() error {
	if len(e.IV) != ivSize || len(e.WrappedKey) == 0 || len(e.Ciphertext) < tagSize {
		return ErrMalformedEnvelope
	}
	return nil
}
