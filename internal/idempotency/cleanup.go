package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// DefaultExpiry is how long a stored response stays replayable.
const DefaultExpiry = 24 * time.Hour

// CleanupOldKeys removes idempotency keys older than expiry and returns the
// number deleted.
func CleanupOldKeys(ctx context.Context, repo Repository, expiry time.Duration) (int64, error) {
	deleted, err := repo.DeleteOlderThan(ctx, expiry)
	if err != nil {
		slog.ErrorContext(ctx, "failed to cleanup old idempotency keys", "error", err)
		return 0, err
	}

	if deleted > 0 {
		slog.InfoContext(ctx, "cleaned up old idempotency keys", "deleted", deleted, "older_than", expiry)
	}

	return deleted, nil
}

// RunPeriodicCleanup runs CleanupOldKeys every interval until ctx is done.
// It blocks and should typically be run in a goroutine.
func RunPeriodicCleanup(ctx context.Context, repo Repository, interval, expiry time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := CleanupOldKeys(ctx, repo, expiry); err != nil {
		slog.ErrorContext(ctx, "initial cleanup failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := CleanupOldKeys(ctx, repo, expiry); err != nil {
				slog.ErrorContext(ctx, "periodic cleanup failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("stopping periodic cleanup")
			return
		}
	}
}
