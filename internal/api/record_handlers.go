package api

import (
	"errors"
	"net/http"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/ledger"
	"github.com/onnwee/medledger/internal/middleware"
	"github.com/onnwee/medledger/internal/record"
	"github.com/onnwee/medledger/internal/user"
)

// RecordResponse wraps a single stored record.
type RecordResponse struct {
	Record *record.Record `json:"record"`
}

// RecordsResponse lists records, newest first.
type RecordsResponse struct {
	Records []*record.Record `json:"records"`
}

// RecordHandlers serves record submission and listing. Records leave the
// server exactly as stored: encrypted.
type RecordHandlers struct {
	ingestion *record.Ingestion
	records   record.Repository
}

// NewRecordHandlers creates RecordHandlers.
func NewRecordHandlers(ingestion *record.Ingestion, records record.Repository) *RecordHandlers {
	return &RecordHandlers{ingestion: ingestion, records: records}
}

// ListByPatient handles GET /records/patient/{patientId}. Patients see their
// own records; doctors may list any patient's.
func (h *RecordHandlers) ListByPatient(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("patientId")
	if callerID(r) != patientID && callerRole(r) != user.RoleDoctor {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "You cannot view these records")
		return
	}

	records, err := h.records.ListByPatient(r.Context(), patientID)
	if err != nil {
		writeInternal(w, r, err, "Failed to list records")
		return
	}
	writeJSON(w, r, http.StatusOK, RecordsResponse{Records: records})
}

// Create handles POST /records. Only doctors may submit, and only as themselves.
func (h *RecordHandlers) Create(w http.ResponseWriter, r *http.Request) {
	if callerRole(r) != user.RoleDoctor {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Only doctors can create records")
		return
	}

	var req record.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	doctorID := callerID(r)
	if req.DoctorID == "" {
		req.DoctorID = doctorID
	}
	if req.DoctorID != doctorID {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "doctorId must match the authenticated user")
		return
	}

	trail := audit.WithRequest(r, audit.LogEntry{ActorID: doctorID})
	rec, err := h.ingestion.Ingest(r.Context(), req, trail)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, RecordResponse{Record: rec})
}

func (h *RecordHandlers) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  int
		code    string
		message string
	)
	switch {
	case errors.Is(err, record.ErrMissingLedgerProof):
		status, code, message = http.StatusBadRequest, ErrCodeMissingLedgerProof, "blockchainHash is required"
	case errors.Is(err, record.ErrMissingRecipientKey):
		status, code, message = http.StatusBadRequest, ErrCodeMissingRecipientKey, "Patient has no registered public key"
	case errors.Is(err, record.ErrPatientNotFound):
		status, code, message = http.StatusNotFound, ErrCodeNotFound, "Patient not found"
	case errors.Is(err, record.ErrLedgerProofRejected):
		status, code, message = http.StatusUnprocessableEntity, ErrCodeLedgerProofRejected, "Ledger transaction failed"
	case errors.Is(err, ledger.ErrUnavailable):
		status, code, message = http.StatusServiceUnavailable, ErrCodeLedgerUnavailable, "Ledger is unavailable"
	default:
		writeInternal(w, r, err, "Failed to create record")
		return
	}
	ctx := middleware.SetErrorCode(r.Context(), code)
	WriteError(w, ctx, status, code, message)
}
