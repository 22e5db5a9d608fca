package api

import (
	"errors"
	"net/http"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/grant"
	"github.com/onnwee/medledger/internal/ledger"
	"github.com/onnwee/medledger/internal/middleware"
)

// GenerateAccessRequest is the body of POST /access/generate.
type GenerateAccessRequest struct {
	PatientID       string `json:"patientId"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
	WrappingKey     string `json:"wrappingKey,omitempty"`
	MaxUses         int    `json:"maxUses,omitempty"`
}

// ValidateAccessRequest is the body of POST /access/validate.
type ValidateAccessRequest struct {
	Token    string `json:"token"`
	DoctorID string `json:"doctorId,omitempty"`
}

// RevokeAccessRequest is the optional body of POST /access/revoke/{grantId}.
type RevokeAccessRequest struct {
	UserID string `json:"userId,omitempty"`
}

// GrantsResponse lists a patient's own grants, tokens included.
type GrantsResponse struct {
	Grants []*grant.Grant `json:"grants"`
}

// AccessHandlers serves the access grant routes.
type AccessHandlers struct {
	protocol *grant.Protocol
}

// NewAccessHandlers creates AccessHandlers.
func NewAccessHandlers(protocol *grant.Protocol) *AccessHandlers {
	return &AccessHandlers{protocol: protocol}
}

// Generate handles POST /access/generate. Patients issue grants for themselves only.
func (h *AccessHandlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	issued, err := h.protocol.Issue(r.Context(), grant.IssueRequest{
		CallerID:        callerID(r),
		PatientID:       req.PatientID,
		DurationMinutes: req.DurationMinutes,
		WrappingKey:     req.WrappingKey,
		MaxUses:         req.MaxUses,
	}, audit.WithRequest(r, audit.LogEntry{}))
	if err != nil {
		writeGrantError(w, r, err, "Failed to generate access grant")
		return
	}
	writeJSON(w, r, http.StatusCreated, issued)
}

// Validate handles POST /access/validate. A supplied doctorId must be the
// caller and is what the RecordViewed entry is attributed to; without one no
// view is recorded. Every unusable token yields the same 401.
func (h *AccessHandlers) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	requester := callerID(r)
	if req.DoctorID != "" && req.DoctorID != requester {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "doctorId must match the authenticated user")
		return
	}

	redemption, err := h.protocol.Redeem(r.Context(), req.Token, req.DoctorID, audit.WithRequest(r, audit.LogEntry{}))
	if err != nil {
		writeGrantError(w, r, err, "Failed to validate access grant")
		return
	}
	writeJSON(w, r, http.StatusOK, redemption)
}

// Revoke handles POST /access/revoke/{grantId}. Revoking twice succeeds both
// times. An unknown grant ID is a plain 404; only redemption hides it.
func (h *AccessHandlers) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeAccessRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	caller := callerID(r)
	if req.UserID != "" && req.UserID != caller {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "userId must match the authenticated user")
		return
	}

	err := h.protocol.Revoke(r.Context(), r.PathValue("grantId"), caller, audit.WithRequest(r, audit.LogEntry{}))
	if errors.Is(err, grant.ErrGrantNotFound) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Access grant not found")
		return
	}
	if err != nil {
		writeGrantError(w, r, err, "Failed to revoke access grant")
		return
	}
	writeJSON(w, r, http.StatusOK, SuccessResponse{Success: true})
}

// ListByPatient handles GET /access/patient/{patientId}. Only the patient may
// list, so tokens are returned for re-sharing.
func (h *AccessHandlers) ListByPatient(w http.ResponseWriter, r *http.Request) {
	grants, err := h.protocol.ListActive(r.Context(), r.PathValue("patientId"), callerID(r))
	if err != nil {
		writeGrantError(w, r, err, "Failed to list access grants")
		return
	}
	writeJSON(w, r, http.StatusOK, GrantsResponse{Grants: grants})
}

func writeGrantError(w http.ResponseWriter, r *http.Request, err error, message string) {
	var (
		status int
		code   string
		msg    string
	)
	switch {
	case errors.Is(err, grant.ErrGrantNotFound):
		status, code, msg = http.StatusUnauthorized, ErrCodeGrantNotFound, "Invalid or expired access token"
	case errors.Is(err, grant.ErrForbidden):
		status, code, msg = http.StatusForbidden, ErrCodeForbidden, "You do not own this resource"
	case errors.Is(err, grant.ErrPatientNotFound):
		status, code, msg = http.StatusNotFound, ErrCodeNotFound, "Patient not found"
	case errors.Is(err, ledger.ErrUnavailable):
		status, code, msg = http.StatusServiceUnavailable, ErrCodeLedgerUnavailable, "Ledger is unavailable"
	default:
		writeInternal(w, r, err, message)
		return
	}
	ctx := middleware.SetErrorCode(r.Context(), code)
	WriteError(w, ctx, status, code, msg)
}
