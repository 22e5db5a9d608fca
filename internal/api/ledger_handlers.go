package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/medledger/internal/ledger"
	"github.com/onnwee/medledger/internal/middleware"
	"github.com/onnwee/medledger/internal/validate"
)

// TxVerification reports the observed state of a ledger transaction.
type TxVerification struct {
	TxHash      string          `json:"txHash"`
	Status      ledger.TxStatus `json:"status"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
	ExplorerURL string          `json:"explorerUrl,omitempty"`
}

// LedgerHandlers exposes read-only ledger information. Both routes are public.
type LedgerHandlers struct {
	client      ledger.Client
	explorerURL string
}

// NewLedgerHandlers creates LedgerHandlers.
func NewLedgerHandlers(client ledger.Client, explorerURL string) *LedgerHandlers {
	if client == nil {
		client = ledger.Disabled{ExplorerURL: explorerURL}
	}
	return &LedgerHandlers{client: client, explorerURL: explorerURL}
}

// Status handles GET /ledger/status. An unreachable RPC still reports the
// configured network, without a block number.
func (h *LedgerHandlers) Status(w http.ResponseWriter, r *http.Request) {
	info, err := h.client.Info(r.Context())
	if err != nil {
		slog.WarnContext(r.Context(), "ledger info unavailable", "error", err)
	}
	info.Configured = h.client.Configured()
	if info.ExplorerURL == "" {
		info.ExplorerURL = h.explorerURL
	}
	writeJSON(w, r, http.StatusOK, info)
}

// Verify handles GET /ledger/verify/{txHash}.
func (h *LedgerHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	txHash, err := validate.TxHash(r.PathValue("txHash"))
	if err != nil {
		WriteValidationError(w, r.Context(), validate.Errors{{Field: "txHash", Message: err.Error()}})
		return
	}

	if !h.client.ReadsTransactions() {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeLedgerUnavailable)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeLedgerUnavailable, "Ledger is not configured")
		return
	}

	receipt, err := h.client.TransactionStatus(r.Context(), txHash)
	if err != nil {
		slog.WarnContext(r.Context(), "ledger transaction lookup failed", "tx_hash", txHash, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeLedgerUnavailable)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeLedgerUnavailable, "Ledger is unavailable")
		return
	}

	writeJSON(w, r, http.StatusOK, TxVerification{
		TxHash:      txHash,
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber,
		ExplorerURL: ledger.ExplorerTxURL(h.explorerURL, txHash),
	})
}
