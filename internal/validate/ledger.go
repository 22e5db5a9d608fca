package validate

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidAddress is returned for anything that is not a 20-byte hex address.
	ErrInvalidAddress = errors.New("invalid wallet address")
	// ErrInvalidTxHash is returned for anything that is not a 32-byte hex hash.
	ErrInvalidTxHash = errors.New("invalid transaction hash")
	// ErrInvalidToken is returned for grant tokens of the wrong shape.
	ErrInvalidToken = errors.New("invalid access token")
)

var (
	addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	tokenPattern   = regexp.MustCompile(`^[A-Za-z0-9_\-]{32,128}$`)
)

// WalletAddress validates a canonical hex address and returns it lowercased.
func WalletAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressPattern.MatchString(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(addr), nil
}

// TxHash validates a ledger transaction hash and returns it lowercased.
func TxHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if !txHashPattern.MatchString(hash) {
		return "", ErrInvalidTxHash
	}
	return strings.ToLower(hash), nil
}

// GrantToken validates the shape of a shareable access token (32-128 URL-safe characters).
func GrantToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if !tokenPattern.MatchString(token) {
		return "", ErrInvalidToken
	}
	return token, nil
}
