package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/medledger/internal/clock"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestInMemoryNonceStore(t *testing.T) {
	clk := clock.NewFake(fixedTime)
	s := NewInMemoryNonceStore(clk)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "0xABC", "n1", time.Minute))

	ok, err := s.Consume(ctx, "0xabc", "wrong")
	require.NoError(t, err)
	assert.False(t, ok, "mismatched nonce must not consume")

	ok, _ = s.Consume(ctx, "0xabc", "n1")
	assert.True(t, ok)
	ok, _ = s.Consume(ctx, "0xabc", "n1")
	assert.False(t, ok, "nonce consumed twice")

	require.NoError(t, s.Put(ctx, "0xabc", "n2", time.Minute))
	clk.Advance(time.Minute)
	ok, _ = s.Consume(ctx, "0xabc", "n2")
	assert.False(t, ok, "nonce accepted at its expiry instant")
}

func TestInMemoryNonceStore_CleanupOnPut(t *testing.T) {
	clk := clock.NewFake(fixedTime)
	s := NewInMemoryNonceStore(clk)
	ctx := context.Background()

	_ = s.Put(ctx, "0x1", "a", time.Minute)
	clk.Advance(2 * time.Minute)
	_ = s.Put(ctx, "0x2", "b", time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.entries, 1)
}

func TestRedisNonceStore(t *testing.T) {
	mr, client := newMiniredisClient(t)
	s := NewRedisNonceStore(client)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "0xABC", "n1", time.Minute))
	assert.True(t, mr.Exists("medledger:nonce:0xabc"))

	ok, err := s.Consume(ctx, "0xabc", "other")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("medledger:nonce:0xabc"), "mismatched consume deleted the nonce")

	ok, err = s.Consume(ctx, "0xabc", "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.Consume(ctx, "0xabc", "n1")
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "0xabc", "n2", time.Minute))
	mr.FastForward(61 * time.Second)
	ok, _ = s.Consume(ctx, "0xabc", "n2")
	assert.False(t, ok, "expired nonce accepted")
}

func TestRedisNonceStore_ConcurrentConsume(t *testing.T) {
	_, client := newMiniredisClient(t)
	s := NewRedisNonceStore(client)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "0xabc", "n1", time.Minute))

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.Consume(ctx, "0xabc", "n1"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisNonceStore_Unavailable(t *testing.T) {
	mr, client := newMiniredisClient(t)
	s := NewRedisNonceStore(client)
	mr.Close()

	_, err := s.Consume(context.Background(), "0xabc", "n1")
	assert.Error(t, err)
}

func TestInMemoryRevocationStore(t *testing.T) {
	clk := clock.NewFake(fixedTime)
	s := NewInMemoryRevocationStore(clk)
	ctx := context.Background()

	require.NoError(t, s.Revoke(ctx, "jti-1", fixedTime.Add(time.Hour)))
	revoked, _ := s.IsRevoked(ctx, "jti-1")
	assert.True(t, revoked)

	revoked, _ = s.IsRevoked(ctx, "jti-2")
	assert.False(t, revoked)

	clk.Advance(time.Hour)
	revoked, _ = s.IsRevoked(ctx, "jti-1")
	assert.False(t, revoked, "revocation outlived the session")
}

func TestRedisRevocationStore(t *testing.T) {
	mr, client := newMiniredisClient(t)
	s := NewRedisRevocationStore(client)
	ctx := context.Background()

	require.NoError(t, s.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err := s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Hour)
	revoked, _ = s.IsRevoked(ctx, "jti-1")
	assert.False(t, revoked)

	require.NoError(t, s.Revoke(ctx, "jti-old", time.Now().Add(-time.Minute)))
	assert.False(t, mr.Exists("medledger:revoked:jti-old"))
}
