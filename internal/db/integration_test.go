//go:build integration

// Integration tests start a disposable PostgreSQL container.
// Run with: go test -tags=integration -v ./internal/db/...
package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/db"
	"github.com/onnwee/medledger/internal/grant"
	"github.com/onnwee/medledger/internal/idempotency"
	"github.com/onnwee/medledger/internal/record"
	"github.com/onnwee/medledger/internal/user"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("medledger"),
		postgres.WithUsername("medledger"),
		postgres.WithPassword("medledger"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := db.Open(ctx, dsn, db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.Migrate(ctx, conn))
	require.NoError(t, db.Migrate(ctx, conn), "schema must apply twice")
	return conn
}

func TestPostgres_RecordAndGrantLifecycle(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	users := user.NewPostgresRepository(conn)
	records := record.NewPostgresRepository(conn)
	grants := grant.NewPostgresRepository(conn)
	trail := audit.NewPostgresRepository(conn)

	patient, err := users.Create(ctx, &user.User{
		WalletAddress: "0x52908400098527886e0f7030069857d2e4169ee7",
		Role:          user.RolePatient,
		Name:          "Ann",
	}, audit.LogEntry{Action: audit.ActionUserCreated, EntityType: audit.EntityUser})
	require.NoError(t, err)

	_, err = users.Create(ctx, &user.User{WalletAddress: patient.WalletAddress, Role: user.RoleDoctor, Name: "Dup"},
		audit.LogEntry{Action: audit.ActionUserCreated, EntityType: audit.EntityUser})
	assert.ErrorIs(t, err, user.ErrWalletExists)

	rec, err := records.Create(ctx, &record.Record{
		PatientID:        patient.ID,
		DoctorID:         "doctor-1",
		HospitalName:     "General",
		RecordType:       record.TypeLabResult,
		Title:            "CBC",
		EncryptedContent: `{"v":1}`,
		IPFSHash:         "bafy",
		BlockchainHash:   "0x" + "ab" + "00000000000000000000000000000000000000000000000000000000000000",
	}, audit.LogEntry{Action: audit.ActionRecordAdded, EntityType: audit.EntityRecord, ActorID: "doctor-1",
		Metadata: map[string]any{"recordType": "lab_result", "z": 1, "a": []string{"x"}}})
	require.NoError(t, err)

	listed, err := records.ListByPatient(ctx, patient.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, rec.ID, listed[0].ID)

	g, err := grants.Create(ctx, &grant.Grant{
		PatientID: patient.ID,
		Token:     "token-1",
		ExpiresAt: now.Add(time.Hour),
		MaxUses:   1,
	}, audit.LogEntry{Action: audit.ActionAccessGranted, EntityType: audit.EntityGrant})
	require.NoError(t, err)

	redeemed, err := grants.Redeem(ctx, g.Token, now, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, redeemed.UseCount)

	_, err = grants.Redeem(ctx, g.Token, now, nil)
	assert.True(t, errors.Is(err, grant.ErrGrantNotFound), "exhausted grant must not redeem, got %v", err)

	changed, err := grants.Revoke(ctx, g.ID, now, audit.LogEntry{Action: audit.ActionAccessRevoked, EntityType: audit.EntityGrant, ActorID: patient.ID})
	require.NoError(t, err)
	assert.True(t, changed)

	logs, err := trail.QueryAll(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	assert.NoError(t, audit.VerifyChain(logs), "chain must verify after a database round trip")
}

func TestPostgres_IdempotencyScopes(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()
	repo := idempotency.NewPostgresRepository(conn)

	rec := &idempotency.IdempotencyKey{
		Key:                "key-1",
		Scope:              "user-a",
		Method:             "POST",
		Route:              "/records",
		RequestHash:        idempotency.ComputeHash([]byte(`{}`)),
		CreatedAt:          time.Now().UTC().Add(-48 * time.Hour),
		Status:             idempotency.StatusCompleted,
		ResponseBody:       `{"id":"r1"}`,
		ResponseStatusCode: 201,
	}
	require.NoError(t, repo.Store(ctx, rec))

	other := *rec
	other.Scope = "user-b"
	other.CreatedAt = time.Now().UTC()
	require.NoError(t, repo.Store(ctx, &other), "same key in another scope is independent")

	got, err := repo.Get(ctx, "user-a", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 201, got.ResponseStatusCode)

	deleted, err := repo.DeleteOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.Get(ctx, "user-a", "key-1")
	assert.ErrorIs(t, err, idempotency.ErrKeyNotFound)
}
