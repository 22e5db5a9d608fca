package grant

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/medledger/internal/audit"
)

func setupMockGrantDB(t *testing.T) (sqlmock.Sqlmock, *PostgresRepository) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewPostgresRepository(db)
	repo.now = func() time.Time { return fixedNow }
	return mock, repo
}

func grantRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "patient_id", "token", "wrapping_key", "expires_at", "is_active",
		"max_uses", "use_count", "created_at", "revoked_at",
	})
}

func expectAuditAppend(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash FROM audit_logs`)).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestPostgresRepository_Create(t *testing.T) {
	mock, repo := setupMockGrantDB(t)
	expires := fixedNow.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO access_grants`).
		WithArgs(sqlmock.AnyArg(), "p1", "tok", "pk", expires, true, 0, 0, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectAuditAppend(mock)
	mock.ExpectCommit()

	g, err := repo.Create(context.Background(), &Grant{
		PatientID: "p1", Token: "tok", WrappingKey: "pk", ExpiresAt: expires,
	}, audit.LogEntry{Action: audit.ActionAccessGranted, EntityType: audit.EntityGrant})
	require.NoError(t, err)
	assert.True(t, g.IsActive)
	assert.NotEmpty(t, g.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Redeem(t *testing.T) {
	mock, repo := setupMockGrantDB(t)
	expires := fixedNow.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE access_grants SET use_count = use_count \+ 1\s+WHERE token = \$1 AND is_active AND expires_at > \$2 AND \(max_uses = 0 OR use_count < max_uses\)`).
		WithArgs("tok", fixedNow).
		WillReturnRows(grantRows().AddRow("g1", "p1", "tok", "pk", expires, true, 0, 1, fixedNow, nil))
	expectAuditAppend(mock)
	mock.ExpectCommit()

	g, err := repo.Redeem(context.Background(), "tok", fixedNow, &audit.LogEntry{
		ActorID: "d1", TargetID: "p1", Action: audit.ActionRecordViewed, EntityType: audit.EntityGrant,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, g.UseCount)
	assert.Nil(t, g.RevokedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Redeem_NotRedeemable(t *testing.T) {
	mock, repo := setupMockGrantDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE access_grants SET use_count`).
		WithArgs("tok", fixedNow).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.Redeem(context.Background(), "tok", fixedNow, nil)
	assert.ErrorIs(t, err, ErrGrantNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Revoke(t *testing.T) {
	trail := audit.LogEntry{ActorID: "p1", Action: audit.ActionAccessRevoked, EntityType: audit.EntityGrant}

	t.Run("active grant", func(t *testing.T) {
		mock, repo := setupMockGrantDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE access_grants SET is_active = false, revoked_at = $2 WHERE id = $1 AND is_active`)).
			WithArgs("g1", fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectAuditAppend(mock)
		mock.ExpectCommit()

		changed, err := repo.Revoke(context.Background(), "g1", fixedNow, trail)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already inactive", func(t *testing.T) {
		mock, repo := setupMockGrantDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE access_grants SET is_active = false`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		changed, err := repo.Revoke(context.Background(), "g1", fixedNow, trail)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepository_GetByToken(t *testing.T) {
	mock, repo := setupMockGrantDB(t)
	revokedAt := fixedNow.Add(-time.Minute)

	mock.ExpectQuery(`SELECT .* FROM access_grants WHERE token = \$1 AND is_active`).
		WithArgs("tok", fixedNow).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .* FROM access_grants WHERE id = \$1`).
		WithArgs("g1").
		WillReturnRows(grantRows().AddRow("g1", "p1", "tok", "pk", fixedNow, false, 0, 3, fixedNow, revokedAt))

	_, err := repo.GetByToken(context.Background(), "tok", fixedNow)
	assert.ErrorIs(t, err, ErrGrantNotFound)

	g, err := repo.GetByID(context.Background(), "g1")
	require.NoError(t, err)
	require.NotNil(t, g.RevokedAt)
	assert.Equal(t, revokedAt, *g.RevokedAt)
	assert.Equal(t, StateRevoked, g.StateAt(fixedNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ListActiveByPatient(t *testing.T) {
	mock, repo := setupMockGrantDB(t)

	mock.ExpectQuery(`SELECT .* FROM access_grants\s+WHERE patient_id = \$1 AND is_active .*\s+ORDER BY created_at DESC`).
		WithArgs("p1", fixedNow).
		WillReturnRows(grantRows().
			AddRow("g2", "p1", "t2", "pk", fixedNow.Add(time.Hour), true, 0, 0, fixedNow, nil).
			AddRow("g1", "p1", "t1", "pk", fixedNow.Add(time.Hour), true, 0, 0, fixedNow.Add(-time.Hour), nil))

	grants, err := repo.ListActiveByPatient(context.Background(), "p1", fixedNow)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "g2", grants[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
