// Package idempotency caches the response to a write request under a
// client-chosen key so a retried request replays instead of repeating.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status constants for idempotency keys. They mirror the CHECK constraint on
// the idempotency_keys table.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to create a duplicate key.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// IdempotencyKey is a stored key with the response it produced. Keys are
// scoped per caller, so two users may pick the same key independently.
type IdempotencyKey struct {
	Key                string    `json:"key"`
	Scope              string    `json:"scope"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	RequestHash        string    `json:"request_hash"`
	CreatedAt          time.Time `json:"created_at"`
	ResponseHash       string    `json:"response_hash"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body"`
	ResponseStatusCode int       `json:"response_status_code"`
}

// ValidateKey checks if an idempotency key is valid.
// Returns ErrInvalidKey if the key is empty.
// Returns ErrKeyTooLong if the key exceeds MaxKeyLength.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// ComputeHash returns the hex SHA-256 of body. It fingerprints both request
// and response bodies.
func ComputeHash(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// Repository defines methods for idempotency key persistence.
type Repository interface {
	// Get retrieves the key stored for scope.
	// Returns ErrKeyNotFound if the key doesn't exist.
	Get(ctx context.Context, scope, key string) (*IdempotencyKey, error)

	// Store saves a new idempotency key.
	// Returns ErrKeyExists if the key already exists for its scope.
	Store(ctx context.Context, record *IdempotencyKey) error

	// DeleteOlderThan removes idempotency keys older than the specified duration.
	DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error)
}
