package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/clinical"
	"github.com/onnwee/medledger/internal/hybrid"
	"github.com/onnwee/medledger/internal/keys"
	"github.com/onnwee/medledger/internal/ledger"
	"github.com/onnwee/medledger/internal/pinning"
	"github.com/onnwee/medledger/internal/tracing"
	"github.com/onnwee/medledger/internal/user"
	"github.com/onnwee/medledger/internal/validate"
)

// Content sources used as the ingested metric label.
const (
	SourceServer = "server"
	SourceClient = "client"
)

// UserLookup resolves identities by ID.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// Request is a doctor's submission of a new record.
type Request struct {
	PatientID      string `json:"patientId"`
	DoctorID       string `json:"doctorId"`
	HospitalName   string `json:"hospitalName"`
	RecordType     Type   `json:"recordType"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	BlockchainHash string `json:"blockchainHash"`
}

// Ingestion turns a Request into a stored Record: validate, encrypt, pin,
// check the ledger proof, then persist with its audit entry.
type Ingestion struct {
	records Repository
	users   UserLookup
	pinner  pinning.Uploader
	ledger  ledger.Client
	metrics *Metrics
	logger  *slog.Logger
}

// NewIngestion creates the pipeline. A nil pinner or ledger disables that stage.
func NewIngestion(records Repository, users UserLookup, pinner pinning.Uploader, ledgerClient ledger.Client, metrics *Metrics, logger *slog.Logger) *Ingestion {
	if pinner == nil {
		pinner = pinning.Disabled{}
	}
	if ledgerClient == nil {
		ledgerClient = ledger.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestion{
		records: records,
		users:   users,
		pinner:  pinner,
		ledger:  ledgerClient,
		metrics: metrics,
		logger:  logger,
	}
}

// Validate normalizes req and reports every field problem at once. A missing
// ledger proof is reported as ErrMissingLedgerProof rather than a field error.
func (in *Ingestion) Validate(req Request) (Request, error) {
	if strings.TrimSpace(req.BlockchainHash) == "" {
		return req, ErrMissingLedgerProof
	}

	var errs validate.Errors
	var err error

	if strings.TrimSpace(req.PatientID) == "" {
		errs.Addf("patientId", "is required")
	}
	if strings.TrimSpace(req.DoctorID) == "" {
		errs.Addf("doctorId", "is required")
	}
	req.HospitalName, err = validate.HospitalName(req.HospitalName)
	errs.Add("hospitalName", err)
	if !req.RecordType.Valid() {
		errs.Addf("recordType", "must be one of lab_result, diagnosis, prescription, vaccination, imaging, procedure")
	}
	req.Title, err = validate.RecordTitle(req.Title)
	errs.Add("title", err)
	req.BlockchainHash, err = validate.TxHash(req.BlockchainHash)
	errs.Add("blockchainHash", err)

	if !hybrid.IsEnvelope(req.Content) {
		if _, err := validate.RecordContent(req.Content); err != nil {
			errs.Add("content", err)
		} else if _, err := clinical.Parse([]byte(req.Content)); err != nil {
			var verr *clinical.ValidationError
			if errors.As(err, &verr) {
				for _, d := range verr.Details {
					errs.Addf("content."+d.Field, d.Message)
				}
			} else {
				errs.Add("content", err)
			}
		}
	}

	return req, errs.Err()
}

// Ingest runs the pipeline. trail carries request metadata; the action,
// entity, target and metadata are filled here.
func (in *Ingestion) Ingest(ctx context.Context, req Request, trail audit.LogEntry) (*Record, error) {
	req, err := in.Validate(req)
	if err != nil {
		return nil, err
	}

	patient, err := in.users.GetByID(ctx, req.PatientID)
	if errors.Is(err, user.ErrUserNotFound) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}
	if patient.Role != user.RolePatient {
		return nil, ErrPatientNotFound
	}

	envelope, source, err := in.seal(req.Content, patient.PublicKey)
	if err != nil {
		return nil, err
	}

	status, err := in.checkProof(ctx, req.BlockchainHash)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:               uuid.New().String(),
		PatientID:        req.PatientID,
		DoctorID:         req.DoctorID,
		HospitalName:     req.HospitalName,
		RecordType:       req.RecordType,
		Title:            req.Title,
		EncryptedContent: envelope,
		BlockchainHash:   req.BlockchainHash,
	}
	rec.IPFSHash, rec.PinDegraded, err = in.pin(ctx, rec.ID, envelope)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"patientId":    rec.PatientID,
		"recordType":   string(rec.RecordType),
		"hospitalName": rec.HospitalName,
		"ipfsHash":     rec.IPFSHash,
		"pinDegraded":  rec.PinDegraded,
	}
	if status != "" {
		metadata["ledgerStatus"] = string(status)
	}
	trail.Action = audit.ActionRecordAdded
	trail.EntityType = audit.EntityRecord
	trail.TargetID = rec.ID
	trail.Metadata = metadata
	trail.TransactionHash = rec.BlockchainHash
	if trail.ActorID == "" {
		trail.ActorID = rec.DoctorID
	}

	stored, err := in.records.Create(ctx, rec, trail)
	if err != nil {
		return nil, err
	}
	in.metrics.IncIngested(source)
	return stored, nil
}

// checkProof confirms the submitted transaction did not fail on the ledger.
// Without a ledger RPC it returns an empty status.
func (in *Ingestion) checkProof(ctx context.Context, txHash string) (status ledger.TxStatus, err error) {
	if !in.ledger.ReadsTransactions() {
		return "", nil
	}
	ctx, endSpan := tracing.StartExternalSpan(ctx, tracing.SystemLedger, "transaction_status")
	defer func() { endSpan(err) }()

	receipt, err := in.ledger.TransactionStatus(ctx, txHash)
	if err != nil {
		return "", fmt.Errorf("failed to check ledger proof: %w", err)
	}
	if receipt.Status == ledger.TxFailed {
		return "", ErrLedgerProofRejected
	}
	return receipt.Status, nil
}

// seal returns the envelope to store. Client envelopes pass through untouched.
func (in *Ingestion) seal(content, publicKey string) (string, string, error) {
	if hybrid.IsEnvelope(content) {
		return strings.TrimSpace(content), SourceClient, nil
	}
	if publicKey == "" {
		return "", "", ErrMissingRecipientKey
	}
	pub, err := keys.ParsePublicKey(publicKey)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMissingRecipientKey, err)
	}
	env, err := hybrid.Encrypt([]byte(content), pub)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt record: %w", err)
	}
	text, err := env.MarshalJSONString()
	if err != nil {
		return "", "", err
	}
	return text, SourceServer, nil
}

// pin uploads the envelope, falling back to a locally computed CID when the
// backend fails.
func (in *Ingestion) pin(ctx context.Context, name, envelope string) (string, bool, error) {
	spanCtx, endSpan := tracing.StartExternalSpan(ctx, tracing.SystemPinning, "upload")
	contentID, err := in.pinner.Upload(spanCtx, name, []byte(envelope))
	endSpan(err)
	if err == nil {
		return contentID, false, nil
	}

	placeholder, cidErr := pinning.LocalCID([]byte(envelope))
	if cidErr != nil {
		return "", false, fmt.Errorf("failed to compute placeholder cid: %w", cidErr)
	}
	in.metrics.IncPinDegraded()
	in.logger.WarnContext(ctx, "pinning failed, using placeholder cid",
		slog.String("uploader", in.pinner.Name()),
		slog.String("record_id", name),
		slog.String("cid", placeholder),
		slog.String("error", err.Error()),
	)
	return placeholder, true, nil
}
