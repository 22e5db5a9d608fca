package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/medledger/internal/clock"
)

// NonceStore holds at most one outstanding challenge nonce per wallet address.
type NonceStore interface {
	// Put stores nonce for address, replacing any outstanding one.
	Put(ctx context.Context, address, nonce string, ttl time.Duration) error

	// Consume deletes the nonce for address if it equals nonce and has not
	// expired. It returns true only for that first matching call.
	Consume(ctx context.Context, address, nonce string) (bool, error)
}

// RevocationStore remembers revoked session IDs until they would have expired.
type RevocationStore interface {
	Revoke(ctx context.Context, sessionID string, until time.Time) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

type nonceEntry struct {
	nonce     string
	expiresAt time.Time
}

// InMemoryNonceStore implements NonceStore with a map. Expired entries are
// evicted inline during Put.
type InMemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]nonceEntry
	clock   clock.Clock
}

// NewInMemoryNonceStore creates an in-memory nonce store.
func NewInMemoryNonceStore(c clock.Clock) *InMemoryNonceStore {
	if c == nil {
		c = clock.Real()
	}
	return &InMemoryNonceStore{entries: make(map[string]nonceEntry), clock: c}
}

// Put stores nonce for address.
func (s *InMemoryNonceStore) Put(ctx context.Context, address, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanup()
	s.entries[strings.ToLower(address)] = nonceEntry{nonce: nonce, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

// Consume compares and deletes under one lock.
func (s *InMemoryNonceStore) Consume(ctx context.Context, address, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(address)
	entry, ok := s.entries[key]
	if !ok || entry.nonce != nonce {
		return false, nil
	}
	delete(s.entries, key)
	return s.clock.Now().Before(entry.expiresAt), nil
}

// cleanup evicts expired entries. Must be called with mu held.
func (s *InMemoryNonceStore) cleanup() {
	now := s.clock.Now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// consumeScript deletes the key only if it still holds the expected nonce.
var consumeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	nonceKeyPrefix      = "medledger:nonce:"
	revocationKeyPrefix = "medledger:revoked:"
)

// RedisNonceStore implements NonceStore on Redis so nonces survive restarts and
// are shared across instances. Expiry is delegated to key TTLs.
type RedisNonceStore struct {
	client *redis.Client
}

// NewRedisNonceStore creates a Redis-backed nonce store.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

// Put stores nonce with SET ... EX, replacing any outstanding value.
func (s *RedisNonceStore) Put(ctx context.Context, address, nonce string, ttl time.Duration) error {
	if err := s.client.Set(ctx, nonceKeyPrefix+strings.ToLower(address), nonce, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store nonce: %w", err)
	}
	return nil
}

// Consume runs an atomic compare-and-delete script.
func (s *RedisNonceStore) Consume(ctx context.Context, address, nonce string) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{nonceKeyPrefix + strings.ToLower(address)}, nonce).Int()
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	return n == 1, nil
}

// InMemoryRevocationStore implements RevocationStore with a map.
type InMemoryRevocationStore struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	clock   clock.Clock
}

// NewInMemoryRevocationStore creates an in-memory revocation store.
func NewInMemoryRevocationStore(c clock.Clock) *InMemoryRevocationStore {
	if c == nil {
		c = clock.Real()
	}
	return &InMemoryRevocationStore{revoked: make(map[string]time.Time), clock: c}
}

// Revoke marks sessionID revoked until the given time.
func (s *InMemoryRevocationStore) Revoke(ctx context.Context, sessionID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for id, exp := range s.revoked {
		if !now.Before(exp) {
			delete(s.revoked, id)
		}
	}
	if now.Before(until) {
		s.revoked[sessionID] = until
	}
	return nil
}

// IsRevoked reports whether sessionID is currently revoked.
func (s *InMemoryRevocationStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.revoked[sessionID]
	return ok && s.clock.Now().Before(exp), nil
}

// RedisRevocationStore implements RevocationStore with expiring Redis keys.
type RedisRevocationStore struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedisRevocationStore creates a Redis-backed revocation store.
func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, clock: clock.Real()}
}

// Revoke sets a key that expires with the session.
func (s *RedisRevocationStore) Revoke(ctx context.Context, sessionID string, until time.Time) error {
	ttl := until.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, revocationKeyPrefix+sessionID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// IsRevoked checks for the revocation key.
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, revocationKeyPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}
