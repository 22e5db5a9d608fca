package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueryLimit is used when callers pass a non-positive limit.
const DefaultQueryLimit = 50

// MaxQueryLimit caps the number of entries returned by one query.
const MaxQueryLimit = 200

// Repository defines the interface for audit log operations.
type Repository interface {
	// Append validates and records an event, linking it to the previous entry's hash.
	Append(ctx context.Context, entry LogEntry) (*AuditLog, error)

	// QueryByUser returns entries where userID is the actor or the target, newest first.
	QueryByUser(ctx context.Context, userID string, limit int) ([]*AuditLog, error)

	// QueryAll returns up to limit entries oldest first (0 = no limit).
	QueryAll(ctx context.Context, limit int) ([]*AuditLog, error)

	// LastHash returns the hash of the most recent entry, or "" when empty.
	LastHash(ctx context.Context) (string, error)
}

// newAuditLog builds a stored entry from a validated LogEntry.
func newAuditLog(entry LogEntry, now time.Time, previousHash string) (*AuditLog, error) {
	log := &AuditLog{
		ID:           uuid.New().String(),
		ActorID:      entry.ActorID,
		TargetID:     entry.TargetID,
		Action:       entry.Action,
		EntityType:   entry.EntityType,
		CreatedAt:    now.UTC().Truncate(time.Microsecond),
		RequestID:    entry.RequestID,
		IPAddress:    AnonymizeIP(entry.IPAddress),
		UserAgent:    entry.UserAgent,
		PreviousHash: previousHash,
	}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		log.Metadata = raw
	}
	if entry.TransactionHash != "" {
		tx := entry.TransactionHash
		log.TransactionHash = &tx
	}
	log.Hash = computeHash(log)
	return log, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*AuditLog
	now  func() time.Time
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{now: time.Now}
}

// NewInMemoryRepositoryWithClock creates an in-memory repository that stamps
// entries with now().
func NewInMemoryRepositoryWithClock(now func() time.Time) *InMemoryRepository {
	return &InMemoryRepository{now: now}
}

// Append records an event.
func (r *InMemoryRepository) Append(ctx context.Context, entry LogEntry) (*AuditLog, error) {
	if err := validateLogEntry(entry); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := ""
	if n := len(r.logs); n > 0 {
		prev = r.logs[n-1].Hash
	}
	log, err := newAuditLog(entry, r.now(), prev)
	if err != nil {
		return nil, err
	}
	r.logs = append(r.logs, log)

	return copyLog(log), nil
}

// QueryByUser returns entries where userID is the actor or the target, newest first.
func (r *InMemoryRepository) QueryByUser(ctx context.Context, userID string, limit int) ([]*AuditLog, error) {
	limit = clampLimit(limit)

	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*AuditLog, 0)
	for i := len(r.logs) - 1; i >= 0; i-- {
		log := r.logs[i]
		if log.ActorID != userID && log.TargetID != userID {
			continue
		}
		results = append(results, copyLog(log))
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// QueryAll returns entries oldest first.
func (r *InMemoryRepository) QueryAll(ctx context.Context, limit int) ([]*AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.logs)
	if limit > 0 && limit < n {
		n = limit
	}
	results := make([]*AuditLog, 0, n)
	for _, log := range r.logs[:n] {
		results = append(results, copyLog(log))
	}
	return results, nil
}

// LastHash returns the hash of the most recent entry.
func (r *InMemoryRepository) LastHash(ctx context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.logs) == 0 {
		return "", nil
	}
	return r.logs[len(r.logs)-1].Hash, nil
}

// copyLog returns a deep copy so callers cannot mutate stored entries.
func copyLog(log *AuditLog) *AuditLog {
	c := *log
	if log.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), log.Metadata...)
	}
	if log.TransactionHash != nil {
		tx := *log.TransactionHash
		c.TransactionHash = &tx
	}
	return &c
}
