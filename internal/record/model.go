// Package record stores encrypted clinical records and runs the ingestion
// pipeline that produces them. The server only ever handles ciphertext.
package record

import (
	"errors"
	"time"
)

// Type is the closed set of clinical record categories.
type Type string

// Record types.
const (
	TypeLabResult    Type = "lab_result"
	TypeDiagnosis    Type = "diagnosis"
	TypePrescription Type = "prescription"
	TypeVaccination  Type = "vaccination"
	TypeImaging      Type = "imaging"
	TypeProcedure    Type = "procedure"
)

// Valid reports whether t is a known record type.
func (t Type) Valid() bool {
	switch t {
	case TypeLabResult, TypeDiagnosis, TypePrescription, TypeVaccination, TypeImaging, TypeProcedure:
		return true
	}
	return false
}

var (
	// ErrRecordNotFound is returned when no record matches the lookup.
	ErrRecordNotFound = errors.New("record not found")

	// ErrMissingLedgerProof is returned when a record arrives without a ledger transaction reference.
	ErrMissingLedgerProof = errors.New("missing ledger proof")

	// ErrMissingRecipientKey is returned when the patient has no registered public key.
	ErrMissingRecipientKey = errors.New("patient has no registered public key")

	// ErrLedgerProofRejected is returned when the referenced ledger transaction reverted.
	ErrLedgerProofRejected = errors.New("ledger transaction failed")

	// ErrPatientNotFound is returned when the record's owner is not a registered patient.
	ErrPatientNotFound = errors.New("patient not found")
)

// Record is an immutable encrypted clinical entry. EncryptedContent is a
// hybrid envelope addressed to the patient.
type Record struct {
	ID               string    `json:"id"`
	PatientID        string    `json:"patientId"`
	DoctorID         string    `json:"doctorId"`
	HospitalName     string    `json:"hospitalName"`
	RecordType       Type      `json:"recordType"`
	Title            string    `json:"title"`
	EncryptedContent string    `json:"encryptedContent"`
	IPFSHash         string    `json:"ipfsHash"`
	BlockchainHash   string    `json:"blockchainHash"`
	PinDegraded      bool      `json:"pinDegraded"`
	CreatedAt        time.Time `json:"createdAt"`
}
