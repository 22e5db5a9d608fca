// Package api provides the HTTP handlers for the MedLedger API and its
// standardized JSON error format.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/medledger/internal/middleware"
	"github.com/onnwee/medledger/internal/user"
	"github.com/onnwee/medledger/internal/validate"
)

// Error codes returned in the "code" field of error responses.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeInvalidSignature indicates a failed wallet challenge.
	ErrCodeInvalidSignature = "invalid_signature"

	// ErrCodeSessionRequired indicates the route needs a registered session.
	ErrCodeSessionRequired = "session_required"

	// ErrCodeWalletNotVerified indicates the session has not proven the wallet in the request.
	ErrCodeWalletNotVerified = "wallet_not_verified"

	// ErrCodeForbidden indicates the caller does not own the resource.
	ErrCodeForbidden = "forbidden"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeGrantNotFound covers unknown, expired, exhausted and revoked grants alike.
	ErrCodeGrantNotFound = "grant_not_found"

	// ErrCodeMissingLedgerProof indicates a record submitted without its ledger transaction.
	ErrCodeMissingLedgerProof = "missing_ledger_proof"

	// ErrCodeMissingRecipientKey indicates the patient has no public key to encrypt to.
	ErrCodeMissingRecipientKey = "missing_recipient_key"

	// ErrCodeLedgerProofRejected indicates the referenced transaction reverted.
	ErrCodeLedgerProofRejected = "ledger_proof_rejected"

	// ErrCodeLedgerUnavailable indicates the ledger RPC could not be reached.
	ErrCodeLedgerUnavailable = "ledger_unavailable"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// maxBodyBytes caps JSON request bodies. Record envelopes are the largest payload.
const maxBodyBytes = 1 << 20

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message. Details is
// only set for validation failures.
type ErrorDetail struct {
	Code    string                `json:"code"`
	Message string                `json:"message"`
	Details []validate.FieldError `json:"details,omitempty"`
}

// WriteError writes a standardized JSON error response and records code for
// the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// Example:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "User not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	writeErrorResponse(w, ctx, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// WriteValidationError writes a 400 listing every rejected field.
func WriteValidationError(w http.ResponseWriter, ctx context.Context, fields validate.Errors) {
	writeErrorResponse(w, ctx, http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
		Code:    ErrCodeValidation,
		Message: "Validation failed",
		Details: fields,
	}})
}

func writeErrorResponse(w http.ResponseWriter, ctx context.Context, status int, errResp ErrorResponse) {
	middleware.SetErrorCode(ctx, errResp.Error.Code)

	data, err := json.Marshal(errResp)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v. It writes the error response
// itself and reports whether the handler may continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil {
		return true
	}
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
	if errors.Is(err, io.EOF) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Request body is required")
		return false
	}
	WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
	return false
}

// writeInternal reports validation details when err carries them; anything
// else becomes a 500 with the given message.
func writeInternal(w http.ResponseWriter, r *http.Request, err error, message string) {
	var fields validate.Errors
	if errors.As(err, &fields) {
		WriteValidationError(w, r.Context(), fields)
		return
	}
	slog.ErrorContext(r.Context(), message, "error", err)
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, message)
}

// callerID is the registered identity behind the request's session, or empty.
func callerID(r *http.Request) string {
	if s := middleware.GetSession(r.Context()); s.Authenticated() {
		return s.UserID
	}
	return ""
}

// callerRole is the role bound to the request's session, or empty.
func callerRole(r *http.Request) user.Role {
	if s := middleware.GetSession(r.Context()); s.Authenticated() {
		return user.Role(s.Role)
	}
	return ""
}

// StatusCodeMapping returns the recommended HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeMissingLedgerProof, ErrCodeMissingRecipientKey:
		return http.StatusBadRequest
	case ErrCodeInvalidSignature, ErrCodeSessionRequired, ErrCodeGrantNotFound:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeWalletNotVerified:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeLedgerProofRejected:
		return http.StatusUnprocessableEntity
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
