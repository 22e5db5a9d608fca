package grant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/clock"
	"github.com/onnwee/medledger/internal/ledger"
	"github.com/onnwee/medledger/internal/record"
	"github.com/onnwee/medledger/internal/tracing"
	"github.com/onnwee/medledger/internal/user"
	"github.com/onnwee/medledger/internal/validate"
)

// UserLookup resolves identities by ID.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// RecordLister lists a patient's records.
type RecordLister interface {
	ListByPatient(ctx context.Context, patientID string) ([]*record.Record, error)
}

// IssueRequest describes a grant a patient wants to create.
type IssueRequest struct {
	CallerID        string
	PatientID       string
	DurationMinutes int
	// WrappingKey is optional client-sealed material. Empty stores the patient's public key.
	WrappingKey string
	// MaxUses of zero allows unlimited redemptions until expiry.
	MaxUses int
}

// Issued is the result of issuing a grant.
type Issued struct {
	Grant           *Grant `json:"grant"`
	QRData          string `json:"qrData"`
	LedgerTokenHash string `json:"ledgerTokenHash"`
}

// Redemption is what a grant holder receives: the patient, their records
// still encrypted, and the wrapping key.
type Redemption struct {
	Grant       *Grant           `json:"grant"`
	Patient     *user.User       `json:"patient"`
	Records     []*record.Record `json:"records"`
	WrappingKey string           `json:"wrappingKey"`
}

// Protocol issues, redeems and revokes access grants.
type Protocol struct {
	grants  Repository
	users   UserLookup
	records RecordLister
	ledger  ledger.Client
	clock   clock.Clock
	metrics *Metrics
}

// NewProtocol creates a Protocol. A nil ledger leaves the local mirror authoritative.
func NewProtocol(grants Repository, users UserLookup, records RecordLister, ledgerClient ledger.Client, c clock.Clock, metrics *Metrics) *Protocol {
	if ledgerClient == nil {
		ledgerClient = ledger.Disabled{}
	}
	if c == nil {
		c = clock.Real()
	}
	return &Protocol{
		grants:  grants,
		users:   users,
		records: records,
		ledger:  ledgerClient,
		clock:   c,
		metrics: metrics,
	}
}

// Issue creates a grant for the caller's own records.
func (p *Protocol) Issue(ctx context.Context, req IssueRequest, trail audit.LogEntry) (*Issued, error) {
	if req.CallerID == "" || req.CallerID != req.PatientID {
		return nil, ErrForbidden
	}

	var errs validate.Errors
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDurationMinutes
	}
	if req.DurationMinutes < MinDurationMinutes || req.DurationMinutes > MaxDurationMinutes {
		errs.Addf("durationMinutes", fmt.Sprintf("must be between %d and %d", MinDurationMinutes, MaxDurationMinutes))
	}
	if len(req.WrappingKey) > MaxWrappingKeyBytes {
		errs.Addf("wrappingKey", fmt.Sprintf("must be at most %d bytes", MaxWrappingKeyBytes))
	}
	if req.MaxUses < 0 {
		errs.Addf("maxUses", "must not be negative")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	patient, err := p.users.GetByID(ctx, req.PatientID)
	if errors.Is(err, user.ErrUserNotFound) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}
	if patient.Role != user.RolePatient {
		return nil, ErrForbidden
	}

	wrappingKey := req.WrappingKey
	if wrappingKey == "" {
		wrappingKey = patient.PublicKey
	}
	if wrappingKey == "" {
		return nil, ErrPatientNotFound
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	expiresAt := now.Add(time.Duration(req.DurationMinutes) * time.Minute)

	trail.Action = audit.ActionAccessGranted
	trail.EntityType = audit.EntityGrant
	trail.ActorID = patient.ID
	trail.Metadata = map[string]any{
		"expiresAt":       expiresAt.UTC().Format(time.RFC3339),
		"durationMinutes": req.DurationMinutes,
		"maxUses":         req.MaxUses,
		"clientSealed":    req.WrappingKey != "",
	}

	g, err := p.grants.Create(ctx, &Grant{
		PatientID:   patient.ID,
		Token:       token,
		WrappingKey: wrappingKey,
		ExpiresAt:   expiresAt,
		MaxUses:     req.MaxUses,
	}, trail)
	if err != nil {
		return nil, err
	}
	p.metrics.IncIssued()

	hash := ledger.HashToken(token)
	return &Issued{
		Grant:           g,
		QRData:          QRScheme + token,
		LedgerTokenHash: hexutil.Encode(hash[:]),
	}, nil
}

// Redeem exchanges a token for the patient's encrypted records. Every way a
// token can be unusable yields ErrGrantNotFound. A non-empty requesterID
// records a RecordViewed entry attributed to that identity.
func (p *Protocol) Redeem(ctx context.Context, token, requesterID string, trail audit.LogEntry) (*Redemption, error) {
	token, err := validate.GrantToken(token)
	if err != nil {
		p.metrics.IncRedeem(OutcomeNotFound)
		return nil, ErrGrantNotFound
	}
	now := p.clock.Now()

	g, err := p.grants.GetByToken(ctx, token, now)
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			p.metrics.IncRedeem(OutcomeNotFound)
		}
		return nil, err
	}

	patient, err := p.users.GetByID(ctx, g.PatientID)
	if errors.Is(err, user.ErrUserNotFound) {
		p.metrics.IncRedeem(OutcomeNotFound)
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}

	if p.ledger.Configured() {
		spanCtx, endSpan := tracing.StartExternalSpan(ctx, tracing.SystemLedger, "verify_access_token")
		ok, err := p.ledger.VerifyAccessToken(spanCtx, patient.WalletAddress, ledger.HashToken(token))
		endSpan(err)
		if err != nil {
			p.metrics.IncRedeem(OutcomeLedgerUnavail)
			if errors.Is(err, ledger.ErrUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
		}
		if !ok {
			p.metrics.IncRedeem(OutcomeLedgerDenied)
			return nil, ErrGrantNotFound
		}
	}

	records, err := p.records.ListByPatient(ctx, g.PatientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	var viewed *audit.LogEntry
	if requesterID != "" {
		trail.Action = audit.ActionRecordViewed
		trail.EntityType = audit.EntityGrant
		trail.ActorID = requesterID
		trail.TargetID = g.PatientID
		trail.Metadata = map[string]any{
			"grantId":     g.ID,
			"recordCount": len(records),
		}
		viewed = &trail
	}

	redeemed, err := p.grants.Redeem(ctx, token, now, viewed)
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			p.metrics.IncRedeem(OutcomeNotFound)
		}
		return nil, err
	}
	p.metrics.IncRedeem(OutcomeRedeemed)

	return &Redemption{
		Grant:       redeemed.Public(),
		Patient:     patient,
		Records:     records,
		WrappingKey: redeemed.WrappingKey,
	}, nil
}

// Revoke deactivates a grant owned by callerID. Revoking an inactive grant succeeds.
func (p *Protocol) Revoke(ctx context.Context, grantID, callerID string, trail audit.LogEntry) error {
	g, err := p.grants.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	if callerID == "" || g.PatientID != callerID {
		return ErrForbidden
	}

	trail.Action = audit.ActionAccessRevoked
	trail.EntityType = audit.EntityGrant
	trail.ActorID = callerID
	trail.TargetID = g.ID
	trail.Metadata = map[string]any{"grantId": g.ID}

	changed, err := p.grants.Revoke(ctx, g.ID, p.clock.Now(), trail)
	if err != nil {
		return err
	}
	if changed {
		p.metrics.IncRevoked()
	}
	return nil
}

// ListActive returns the caller's own redeemable grants, newest first.
func (p *Protocol) ListActive(ctx context.Context, patientID, callerID string) ([]*Grant, error) {
	if callerID == "" || callerID != patientID {
		return nil, ErrForbidden
	}
	return p.grants.ListActiveByPatient(ctx, patientID, p.clock.Now())
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate grant token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
