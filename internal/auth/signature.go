package auth

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// signatureLength is r || s || v.
const signatureLength = 65

// ErrMalformedSignature is returned for signatures that are not 65 hex-encoded bytes
// with a recovery id in {0, 1, 27, 28}.
var ErrMalformedSignature = errors.New("malformed signature")

// RecoverAddress returns the lowercase address that produced signature over
// message under EIP-191 personal_sign.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hexutil.Decode(ensureHexPrefix(strings.TrimSpace(signature)))
	if err != nil || len(sig) != signatureLength {
		return "", ErrMalformedSignature
	}

	// Wallets emit v as 27/28; recovery wants 0/1.
	switch sig[64] {
	case 27, 28:
		sig[64] -= 27
	case 0, 1:
	default:
		return "", ErrMalformedSignature
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", ErrMalformedSignature
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature reports whether signature over message was produced by the
// key behind address. Comparison is case-insensitive. Any failure is false.
func VerifySignature(address, message, signature string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, address)
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// SignMessage produces an EIP-191 personal_sign signature over message, with
// v as 27/28 the way wallets emit it.
func SignMessage(priv *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), priv)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
