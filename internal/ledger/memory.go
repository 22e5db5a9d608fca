package ledger

import (
	"context"
	"strings"
	"sync"
)

// InMemory is a Client backed by maps. Tests and local development use it to
// stand in for the registry contract.
type InMemory struct {
	mu      sync.RWMutex
	txs     map[string]TxStatus
	tokens  map[string]bool
	failing error
	block   uint64
	// noRegistry simulates an RPC endpoint without a registry contract.
	noRegistry bool
}

// NewInMemory creates an empty in-memory ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		txs:    make(map[string]TxStatus),
		tokens: make(map[string]bool),
	}
}

// SetTransaction records the status of a transaction.
func (l *InMemory) SetTransaction(txHash string, status TxStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[strings.ToLower(txHash)] = status
	l.block++
}

// RegisterToken marks tokenHash as an active grant of patientWallet.
func (l *InMemory) RegisterToken(patientWallet string, tokenHash [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[tokenKey(patientWallet, tokenHash)] = true
}

// RevokeToken removes a registered grant.
func (l *InMemory) RevokeToken(patientWallet string, tokenHash [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tokens, tokenKey(patientWallet, tokenHash))
}

// SetFailing makes every call return err until cleared with nil.
func (l *InMemory) SetFailing(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing = err
}

// SetRegistry toggles the registry contract. Without one the ledger still
// reports transactions but VerifyAccessToken returns ErrNotConfigured.
func (l *InMemory) SetRegistry(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noRegistry = !enabled
}

// Configured reports whether the registry is enabled. It is by default.
func (l *InMemory) Configured() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.noRegistry
}

// ReadsTransactions always returns true.
func (l *InMemory) ReadsTransactions() bool { return true }

// TransactionStatus returns the recorded status or TxNotFound.
func (l *InMemory) TransactionStatus(ctx context.Context, txHash string) (*Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.failing != nil {
		return nil, l.failing
	}
	status, ok := l.txs[strings.ToLower(txHash)]
	if !ok {
		status = TxNotFound
	}
	return &Receipt{TxHash: strings.ToLower(txHash), Status: status}, nil
}

// VerifyAccessToken reports whether the token was registered and not revoked.
func (l *InMemory) VerifyAccessToken(ctx context.Context, patientWallet string, tokenHash [32]byte) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.noRegistry {
		return false, ErrNotConfigured
	}
	if l.failing != nil {
		return false, l.failing
	}
	return l.tokens[tokenKey(patientWallet, tokenHash)], nil
}

// Info reports a configured local ledger.
func (l *InMemory) Info(ctx context.Context) (Info, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.failing != nil {
		return Info{Configured: !l.noRegistry}, l.failing
	}
	return Info{Configured: !l.noRegistry, BlockNumber: l.block}, nil
}

func tokenKey(wallet string, hash [32]byte) string {
	return strings.ToLower(wallet) + ":" + string(hash[:])
}
