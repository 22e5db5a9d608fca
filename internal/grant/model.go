// Package grant implements time-boxed, revocable access grants that let a
// doctor fetch a patient's encrypted records without the patient's private key.
package grant

import (
	"errors"
	"time"
)

// Bounds on grant lifetime, in minutes.
const (
	MinDurationMinutes     = 5
	MaxDurationMinutes     = 1440
	DefaultDurationMinutes = 60
)

// MaxWrappingKeyBytes bounds the client-sealed material stored with a grant.
const MaxWrappingKeyBytes = 16 << 10

// tokenBytes gives 256 bits of entropy.
const tokenBytes = 32

// QRScheme prefixes the shareable URI handed to the patient.
const QRScheme = "medledger://access?token="

var (
	// ErrGrantNotFound covers absent, expired, exhausted and revoked grants alike.
	ErrGrantNotFound = errors.New("access grant not found")

	// ErrForbidden is returned when the caller does not own the grant or patient.
	ErrForbidden = errors.New("forbidden")

	// ErrPatientNotFound is returned when issuing for an unknown or non-patient identity.
	ErrPatientNotFound = errors.New("patient not found")
)

// State is the lifecycle position of a grant at a given instant.
type State string

// Grant states. Expired and Revoked are terminal.
const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
)

// Grant is a patient's delegation of read access to their records.
type Grant struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patientId"`
	Token       string     `json:"token"`
	WrappingKey string     `json:"wrappingKey"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	IsActive    bool       `json:"isActive"`
	MaxUses     int        `json:"maxUses"`
	UseCount    int        `json:"useCount"`
	CreatedAt   time.Time  `json:"createdAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

// StateAt reports the grant's state at now. A grant is redeemable only while
// active, strictly before expiry and with uses remaining.
func (g *Grant) StateAt(now time.Time) State {
	if !g.IsActive {
		return StateRevoked
	}
	if !now.Before(g.ExpiresAt) || g.exhausted() {
		return StateExpired
	}
	return StateActive
}

func (g *Grant) exhausted() bool {
	return g.MaxUses > 0 && g.UseCount >= g.MaxUses
}

// Public strips the redemption secret for responses sent to anyone but the owner.
func (g *Grant) Public() *Grant {
	out := *g
	out.Token = ""
	out.WrappingKey = ""
	return &out
}
