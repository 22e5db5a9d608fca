// Package audit provides the append-only compliance trail: one entry per
// state-changing or access-sensitive operation, chained by hash so that
// tampering with stored rows is detectable.
package audit

import (
	"encoding/json"
	"time"
)

// Action is the closed set of audited operations.
type Action string

// Audited actions.
const (
	ActionUserCreated    Action = "UserCreated"
	ActionLoginSuccess   Action = "LoginSuccess"
	ActionProfileUpdated Action = "ProfileUpdated"
	ActionRecordAdded    Action = "RecordAdded"
	ActionRecordViewed   Action = "RecordViewed"
	ActionAccessGranted  Action = "AccessGranted"
	ActionAccessRevoked  Action = "AccessRevoked"
	ActionDoctorApproved Action = "DoctorApproved"
)

// Entity types referenced by audit entries.
const (
	EntityUser   = "user"
	EntityRecord = "medical_record"
	EntityGrant  = "access_grant"
)

// Valid reports whether a is one of the audited actions.
func (a Action) Valid() bool {
	switch a {
	case ActionUserCreated, ActionLoginSuccess, ActionProfileUpdated, ActionRecordAdded,
		ActionRecordViewed, ActionAccessGranted, ActionAccessRevoked, ActionDoctorApproved:
		return true
	}
	return false
}

// AuditLog represents a single stored audit event.
type AuditLog struct {
	ID              string          `json:"id"`
	ActorID         string          `json:"actorId"`
	TargetID        string          `json:"targetId"`
	Action          Action          `json:"action"`
	EntityType      string          `json:"entityType"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	TransactionHash *string         `json:"transactionHash"`
	CreatedAt       time.Time       `json:"createdAt"`

	// Optional request metadata
	RequestID string `json:"requestId,omitempty"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`

	// Tamper detection
	PreviousHash string `json:"previousHash"`
	Hash         string `json:"hash"`
}

// LogEntry is the input for appending an audit event.
type LogEntry struct {
	ActorID         string
	TargetID        string
	Action          Action
	EntityType      string
	Metadata        map[string]any
	TransactionHash string

	RequestID string
	IPAddress string
	UserAgent string
}
