package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/medledger/internal/clock"
	"github.com/onnwee/medledger/internal/validate"
)

// DefaultNonceTTL bounds how long a challenge may be answered.
const DefaultNonceTTL = 5 * time.Minute

// nonceBytes gives 256 bits of entropy.
const nonceBytes = 32

const (
	challengeGreeting = "Welcome to MedLedger!"
	challengeNotice   = "This request will not trigger a blockchain transaction or cost any gas fees."
	walletLinePrefix  = "Wallet address: "
	nonceLinePrefix   = "Nonce: "
	timeLinePrefix    = "Timestamp: "
)

var (
	// ErrInvalidAddress is returned when a challenge is requested for a malformed address.
	ErrInvalidAddress = validate.ErrInvalidAddress

	// ErrMissingFields is returned when any of address, message or signature is empty.
	ErrMissingFields = errors.New("missing required fields")

	// ErrInvalidSignature covers every way a challenge response can be wrong.
	// Callers get no hint about which check failed.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Challenge is what a wallet is asked to sign.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Authenticator runs the nonce-challenge-signature exchange.
type Authenticator struct {
	nonces  NonceStore
	ttl     time.Duration
	clock   clock.Clock
	metrics *Metrics
}

// NewAuthenticator creates an Authenticator. A non-positive ttl uses DefaultNonceTTL.
func NewAuthenticator(nonces NonceStore, ttl time.Duration, c clock.Clock, metrics *Metrics) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if c == nil {
		c = clock.Real()
	}
	return &Authenticator{nonces: nonces, ttl: ttl, clock: c, metrics: metrics}
}

// IssueNonce creates a fresh challenge for wallet, replacing any outstanding one.
func (a *Authenticator) IssueNonce(ctx context.Context, wallet string) (*Challenge, error) {
	address, err := validate.WalletAddress(wallet)
	if err != nil {
		return nil, ErrInvalidAddress
	}

	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	now := a.clock.Now().UTC()

	if err := a.nonces.Put(ctx, address, nonce, a.ttl); err != nil {
		return nil, err
	}
	a.metrics.IncNoncesIssued()

	return &Challenge{
		Nonce:     nonce,
		Message:   ChallengeMessage(address, nonce, now),
		ExpiresAt: now.Add(a.ttl),
	}, nil
}

// Verify checks a signed challenge and consumes its nonce. It returns the
// lowercase wallet address on success. Only a valid signature consumes the nonce.
func (a *Authenticator) Verify(ctx context.Context, wallet, message, signature string) (string, error) {
	if strings.TrimSpace(wallet) == "" || message == "" || strings.TrimSpace(signature) == "" {
		return "", ErrMissingFields
	}

	address, err := validate.WalletAddress(wallet)
	if err != nil {
		a.metrics.IncVerification(ResultInvalid)
		return "", ErrInvalidSignature
	}

	embedded, nonce, ok := ParseChallenge(message)
	if !ok || embedded != address {
		a.metrics.IncVerification(ResultInvalid)
		return "", ErrInvalidSignature
	}

	if !VerifySignature(address, message, signature) {
		a.metrics.IncVerification(ResultInvalid)
		return "", ErrInvalidSignature
	}

	fresh, err := a.nonces.Consume(ctx, address, nonce)
	if err != nil {
		a.metrics.IncVerification(ResultError)
		return "", err
	}
	if !fresh {
		a.metrics.IncVerification(ResultReplayed)
		return "", ErrInvalidSignature
	}

	a.metrics.IncVerification(ResultVerified)
	return address, nil
}

// ChallengeMessage composes the human-readable text a wallet signs.
func ChallengeMessage(address, nonce string, at time.Time) string {
	return challengeGreeting + "\n\n" +
		challengeNotice + "\n\n" +
		walletLinePrefix + strings.ToLower(address) + "\n" +
		nonceLinePrefix + nonce + "\n" +
		timeLinePrefix + at.UTC().Format(time.RFC3339)
}

// ParseChallenge extracts the lowercase wallet address and nonce embedded in
// a challenge message.
func ParseChallenge(message string) (address, nonce string, ok bool) {
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, walletLinePrefix):
			address = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, walletLinePrefix)))
		case strings.HasPrefix(line, nonceLinePrefix):
			nonce = strings.TrimSpace(strings.TrimPrefix(line, nonceLinePrefix))
		}
	}
	return address, nonce, address != "" && nonce != ""
}
