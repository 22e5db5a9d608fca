package idempotency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedKey(scope, key string) *IdempotencyKey {
	return &IdempotencyKey{
		Key:                key,
		Scope:              scope,
		Method:             "POST",
		Route:              "/api/records",
		RequestHash:        ComputeHash([]byte("body")),
		ResponseHash:       ComputeHash([]byte(`{"result":"ok"}`)),
		Status:             StatusCompleted,
		ResponseBody:       `{"result":"ok"}`,
		ResponseStatusCode: 201,
	}
}

func TestInMemoryRepository_GetAndStore(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Get(ctx, "u1", "missing"); err != ErrKeyNotFound {
		t.Errorf("Get() error = %v, want %v", err, ErrKeyNotFound)
	}

	if err := repo.Store(ctx, completedKey("u1", "k1")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, completedKey("u1", "k1")); err != ErrKeyExists {
		t.Errorf("duplicate Store() error = %v, want %v", err, ErrKeyExists)
	}
	if err := repo.Store(ctx, completedKey("u2", "k1")); err != nil {
		t.Errorf("same key under another scope should store: %v", err)
	}
	if err := repo.Store(ctx, completedKey("u1", "")); err != ErrInvalidKey {
		t.Errorf("Store(empty key) error = %v, want %v", err, ErrInvalidKey)
	}

	got, err := repo.Get(ctx, "u1", "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ResponseStatusCode != 201 || got.ResponseBody != `{"result":"ok"}` {
		t.Errorf("Get() = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Store() did not set CreatedAt")
	}

	got.ResponseBody = "mutated"
	again, _ := repo.Get(ctx, "u1", "k1")
	if again.ResponseBody == "mutated" {
		t.Error("Get() returned shared state")
	}
}

func TestPostgresRepository_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM idempotency_keys\s+WHERE scope = \$1 AND key = \$2`).
		WithArgs("u1", "k1").
		WillReturnRows(sqlmock.NewRows([]string{
			"key", "scope", "method", "route", "request_hash", "created_at", "response_hash",
			"status", "response_body", "response_status_code",
		}).AddRow("k1", "u1", "POST", "/api/records", "rh", now, "h", StatusCompleted, `{}`, 201))
	mock.ExpectQuery(`SELECT .* FROM idempotency_keys`).
		WithArgs("u1", "k2").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.Get(context.Background(), "u1", "k1")
	require.NoError(t, err)
	assert.Equal(t, 201, got.ResponseStatusCode)

	_, err = repo.Get(context.Background(), "u1", "k2")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Store(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)

	mock.ExpectExec(`INSERT INTO idempotency_keys`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO idempotency_keys`).WillReturnError(&pq.Error{Code: "23505"})

	require.NoError(t, repo.Store(context.Background(), completedKey("u1", "k1")))
	assert.ErrorIs(t, repo.Store(context.Background(), completedKey("u1", "k1")), ErrKeyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_DeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE created_at < \$1`).
		WithArgs(now.Add(-DefaultExpiry)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := repo.DeleteOlderThan(context.Background(), DefaultExpiry)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
