// Package ledger is a read-only view of the on-chain registry. The server never
// signs ledger transactions; it only checks what users' wallets have committed.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// TxStatus is the observed state of a ledger transaction.
type TxStatus string

// Transaction states.
const (
	TxConfirmed TxStatus = "confirmed"
	TxPending   TxStatus = "pending"
	TxFailed    TxStatus = "failed"
	TxNotFound  TxStatus = "not_found"
)

var (
	// ErrNotConfigured is returned by ledger calls when no RPC endpoint or contract is set.
	ErrNotConfigured = errors.New("ledger not configured")

	// ErrUnavailable wraps RPC failures. Callers must fail closed on it.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Receipt describes a transaction as currently observed.
type Receipt struct {
	TxHash      string   `json:"txHash"`
	Status      TxStatus `json:"status"`
	BlockNumber uint64   `json:"blockNumber,omitempty"`
}

// Info summarizes the configured network.
type Info struct {
	Configured      bool   `json:"configured"`
	ChainID         int64  `json:"chainId"`
	ContractAddress string `json:"contractAddress,omitempty"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	ExplorerURL     string `json:"explorerUrl,omitempty"`
}

// Client is the verification surface the rest of the service depends on.
type Client interface {
	// Configured reports whether a registry contract is reachable, so
	// VerifyAccessToken can answer.
	Configured() bool

	// ReadsTransactions reports whether TransactionStatus reaches a real
	// ledger. An RPC endpoint is enough; no contract is needed.
	ReadsTransactions() bool

	// TransactionStatus reports whether txHash is confirmed, pending, failed or unknown.
	TransactionStatus(ctx context.Context, txHash string) (*Receipt, error)

	// VerifyAccessToken asks the registry whether patient has an active grant
	// registered under tokenHash.
	VerifyAccessToken(ctx context.Context, patientWallet string, tokenHash [32]byte) (bool, error)

	// Info returns network details, including the latest block when reachable.
	Info(ctx context.Context) (Info, error)
}

// HashToken is the keccak256 digest under which a grant token is registered on-chain.
func HashToken(token string) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256([]byte(token)))
	return out
}

// ExplorerTxURL links a transaction on the block explorer, or "" without one.
func ExplorerTxURL(explorer, txHash string) string {
	if explorer == "" {
		return ""
	}
	return strings.TrimRight(explorer, "/") + "/tx/" + txHash
}

// Disabled is the Client used when no ledger is configured.
type Disabled struct {
	ChainID     int64
	ExplorerURL string
}

// Configured always returns false.
func (Disabled) Configured() bool { return false }

// ReadsTransactions always returns false.
func (Disabled) ReadsTransactions() bool { return false }

// TransactionStatus always returns ErrNotConfigured.
func (Disabled) TransactionStatus(ctx context.Context, txHash string) (*Receipt, error) {
	return nil, ErrNotConfigured
}

// VerifyAccessToken always returns ErrNotConfigured.
func (Disabled) VerifyAccessToken(ctx context.Context, patientWallet string, tokenHash [32]byte) (bool, error) {
	return false, ErrNotConfigured
}

// Info reports an unconfigured ledger.
func (d Disabled) Info(ctx context.Context) (Info, error) {
	return Info{ChainID: d.ChainID, ExplorerURL: d.ExplorerURL}, nil
}
