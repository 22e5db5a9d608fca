package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]*IdempotencyKey
	now  func() time.Time
}

// NewInMemoryRepository creates a new in-memory idempotency key repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		keys: make(map[string]*IdempotencyKey),
		now:  time.Now,
	}
}

func mapKey(scope, key string) string {
	return scope + "\x00" + key
}

// Get retrieves the key stored for scope.
func (r *InMemoryRepository) Get(ctx context.Context, scope, key string) (*IdempotencyKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.keys[mapKey(scope, key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := *record
	return &out, nil
}

// Store saves a new idempotency key.
func (r *InMemoryRepository) Store(ctx context.Context, record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := mapKey(record.Scope, record.Key)
	if _, exists := r.keys[k]; exists {
		return ErrKeyExists
	}

	stored := *record
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.keys[k] = &stored
	return nil
}

// DeleteOlderThan removes idempotency keys older than the specified duration.
// Returns the number of keys deleted.
func (r *InMemoryRepository) DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-duration)
	deleted := int64(0)
	for k, record := range r.keys {
		if record.CreatedAt.Before(cutoff) {
			delete(r.keys, k)
			deleted++
		}
	}
	return deleted, nil
}
