package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/ledger"
	"github.com/onnwee/medledger/internal/middleware"
	"github.com/onnwee/medledger/internal/user"
	"github.com/onnwee/medledger/internal/validate"
)

// ApproveDoctorRequest is the body of POST /admin/approve-doctor. TxHash is
// the approval transaction the administrator's wallet committed.
type ApproveDoctorRequest struct {
	UserID string `json:"userId"`
	TxHash string `json:"txHash"`
}

// UsersResponse lists identities.
type UsersResponse struct {
	Users []*user.User `json:"users"`
}

// ChainStatusResponse reports whether the audit trail's hash chain is intact.
type ChainStatusResponse struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// AdminHandlers serves doctor approval and audit integrity checks. Every
// route requires the session wallet to equal the configured admin wallet.
type AdminHandlers struct {
	users       user.Repository
	auditRepo   audit.Repository
	ledger      ledger.Client
	adminWallet string
}

// NewAdminHandlers creates AdminHandlers. An empty adminWallet disables every admin route.
func NewAdminHandlers(users user.Repository, auditRepo audit.Repository, ledgerClient ledger.Client, adminWallet string) *AdminHandlers {
	if ledgerClient == nil {
		ledgerClient = ledger.Disabled{}
	}
	return &AdminHandlers{
		users:       users,
		auditRepo:   auditRepo,
		ledger:      ledgerClient,
		adminWallet: strings.ToLower(strings.TrimSpace(adminWallet)),
	}
}

// RequireAdmin rejects callers whose verified wallet is not the admin wallet.
func (h *AdminHandlers) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := middleware.GetSession(r.Context())
		if h.adminWallet == "" || session == nil || strings.ToLower(session.Wallet) != h.adminWallet {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeForbidden)
			WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PendingDoctors handles GET /admin/doctors/pending.
func (h *AdminHandlers) PendingDoctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.users.ListPendingDoctors(r.Context())
	if err != nil {
		writeInternal(w, r, err, "Failed to list pending doctors")
		return
	}
	writeJSON(w, r, http.StatusOK, UsersResponse{Users: doctors})
}

// ApproveDoctor handles POST /admin/approve-doctor.
func (h *AdminHandlers) ApproveDoctor(w http.ResponseWriter, r *http.Request) {
	var req ApproveDoctorRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var errs validate.Errors
	if strings.TrimSpace(req.UserID) == "" {
		errs.Addf("userId", "is required")
	}
	txHash, err := validate.TxHash(req.TxHash)
	errs.Add("txHash", err)
	if len(errs) > 0 {
		WriteValidationError(w, r.Context(), errs)
		return
	}

	var status ledger.TxStatus
	if h.ledger.ReadsTransactions() {
		receipt, err := h.ledger.TransactionStatus(r.Context(), txHash)
		if err != nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeLedgerUnavailable)
			WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeLedgerUnavailable, "Ledger is unavailable")
			return
		}
		if receipt.Status == ledger.TxFailed {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeLedgerProofRejected)
			WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeLedgerProofRejected, "Approval transaction failed")
			return
		}
		status = receipt.Status
	}

	metadata := map[string]any{}
	if status != "" {
		metadata["ledgerStatus"] = string(status)
	}
	actor := callerID(r)
	if actor == "" {
		actor = h.adminWallet
	}
	entry := audit.WithRequest(r, audit.LogEntry{
		ActorID:         actor,
		TargetID:        req.UserID,
		Action:          audit.ActionDoctorApproved,
		EntityType:      audit.EntityUser,
		Metadata:        metadata,
		TransactionHash: txHash,
	})
	approved, err := h.users.Approve(r.Context(), req.UserID, entry)
	if errors.Is(err, user.ErrUserNotFound) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Doctor not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err, "Failed to approve doctor")
		return
	}
	writeJSON(w, r, http.StatusOK, UserResponse{User: approved})
}

// VerifyAuditChain handles GET /admin/audit/verify.
func (h *AdminHandlers) VerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	logs, err := h.auditRepo.QueryAll(r.Context(), 0)
	if err != nil {
		writeInternal(w, r, err, "Failed to load audit logs")
		return
	}
	resp := ChainStatusResponse{Valid: true, Entries: len(logs)}
	if err := audit.VerifyChain(logs); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// ExportAudit handles GET /admin/audit/export?format=csv|json over the whole trail.
func (h *AdminHandlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var errs validate.Errors
	format := audit.ExportFormat(query.Get("format"))
	if format == "" {
		format = audit.ExportFormatJSON
	}
	if format != audit.ExportFormatCSV && format != audit.ExportFormatJSON {
		errs.Addf("format", "must be one of csv, json")
	}
	from := parseTimeParam(query.Get("from"), "from", &errs)
	to := parseTimeParam(query.Get("to"), "to", &errs)
	if len(errs) > 0 {
		WriteValidationError(w, r.Context(), errs)
		return
	}
	(&AuditHandlers{repo: h.auditRepo}).export(w, r, audit.ExportOptions{Format: format, From: from, To: to})
}
