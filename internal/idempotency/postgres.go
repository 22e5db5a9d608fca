package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresRepository implements Repository on the idempotency_keys table.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates a new PostgreSQL-backed idempotency repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

// Get retrieves the key stored for scope.
func (r *PostgresRepository) Get(ctx context.Context, scope, key string) (*IdempotencyKey, error) {
	query := `
		SELECT key, scope, method, route, request_hash, created_at, response_hash,
			status, response_body, response_status_code
		FROM idempotency_keys
		WHERE scope = $1 AND key = $2
	`
	var rec IdempotencyKey
	err := r.db.QueryRowContext(ctx, query, scope, key).Scan(
		&rec.Key, &rec.Scope, &rec.Method, &rec.Route, &rec.RequestHash, &rec.CreatedAt,
		&rec.ResponseHash, &rec.Status, &rec.ResponseBody, &rec.ResponseStatusCode,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return &rec, nil
}

// Store saves a new idempotency key.
func (r *PostgresRepository) Store(ctx context.Context, rec *IdempotencyKey) error {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	query := `
		INSERT INTO idempotency_keys (
			key, scope, method, route, request_hash, created_at, response_hash,
			status, response_body, response_status_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.Key, rec.Scope, rec.Method, rec.Route, rec.RequestHash, createdAt.UTC(),
		rec.ResponseHash, rec.Status, rec.ResponseBody, rec.ResponseStatusCode,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}

// DeleteOlderThan removes idempotency keys older than the specified duration.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error) {
	cutoff := r.now().Add(-duration).UTC()
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idempotency keys: %w", err)
	}
	return result.RowsAffected()
}
