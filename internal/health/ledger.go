package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/medledger/internal/ledger"
)

// ErrLedgerNoBlock is returned when the RPC answers without a block number.
var ErrLedgerNoBlock = errors.New("ledger returned no block number")

// LedgerChecker confirms the RPC endpoint answers with a current block.
type LedgerChecker struct {
	client ledger.Client
}

// NewLedgerChecker creates a ledger health checker.
func NewLedgerChecker(client ledger.Client) *LedgerChecker {
	return &LedgerChecker{client: client}
}

// Name implements Checker.
func (l *LedgerChecker) Name() string { return "ledger" }

// HealthCheck reads the latest block.
func (l *LedgerChecker) HealthCheck(ctx context.Context) error {
	info, err := l.client.Info(ctx)
	if err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}
	if info.BlockNumber == 0 {
		return ErrLedgerNoBlock
	}
	return nil
}
