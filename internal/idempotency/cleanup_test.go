package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestCleanupOldKeys(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	old := completedKey("u1", "old-key")
	old.CreatedAt = time.Now().Add(-25 * time.Hour)
	recent := completedKey("u1", "recent-key")
	recent.CreatedAt = time.Now().Add(-1 * time.Hour)

	if err := repo.Store(ctx, old); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, recent); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	deleted, err := CleanupOldKeys(ctx, repo, DefaultExpiry)
	if err != nil {
		t.Fatalf("CleanupOldKeys() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupOldKeys() deleted = %d, want 1", deleted)
	}
	if _, err := repo.Get(ctx, "u1", "old-key"); err != ErrKeyNotFound {
		t.Errorf("old key still present: %v", err)
	}
	if _, err := repo.Get(ctx, "u1", "recent-key"); err != nil {
		t.Errorf("recent key removed: %v", err)
	}
}

func TestRunPeriodicCleanup_StopsOnCancel(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunPeriodicCleanup(ctx, repo, 10*time.Millisecond, DefaultExpiry)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodicCleanup did not stop after cancel")
	}
}
