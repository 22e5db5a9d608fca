package grant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/tracing"
)

// PostgresRepository implements Repository on the access_grants table.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates a new PostgreSQL-backed grant repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

const grantColumns = `id, patient_id, token, wrapping_key, expires_at, is_active,
	max_uses, use_count, created_at, revoked_at`

// redeemablePredicate is the single definition of "redeemable at $2".
const redeemablePredicate = `is_active AND expires_at > $2 AND (max_uses = 0 OR use_count < max_uses)`

// Create inserts the grant and its audit entry in one transaction.
func (r *PostgresRepository) Create(ctx context.Context, g *Grant, trail audit.LogEntry) (*Grant, error) {
	stored := *g
	now := r.now()
	prepareCreate(&stored, &trail, now)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO access_grants (id, patient_id, token, wrapping_key, expires_at, is_active, max_uses, use_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.ExecContext(ctx, query,
		stored.ID, stored.PatientID, stored.Token, stored.WrappingKey, stored.ExpiresAt,
		stored.IsActive, stored.MaxUses, stored.UseCount, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert grant: %w", err)
	}

	if _, err := audit.AppendTx(ctx, tx, trail, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit grant: %w", err)
	}
	return &stored, nil
}

// GetByID retrieves a grant by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Grant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE id = $1`, id)
	return scanGrant(row)
}

// GetByToken retrieves a grant redeemable at now.
func (r *PostgresRepository) GetByToken(ctx context.Context, token string, now time.Time) (*Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants WHERE token = $1 AND ` + redeemablePredicate
	row := r.db.QueryRowContext(ctx, query, token, now.UTC())
	return scanGrant(row)
}

// Redeem re-checks redeemability and counts one use in a single conditional
// UPDATE, so a concurrent revoke either wins entirely or not at all.
func (r *PostgresRepository) Redeem(ctx context.Context, token string, now time.Time, trail *audit.LogEntry) (_ *Grant, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "access_grants", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE access_grants SET use_count = use_count + 1
		WHERE token = $1 AND ` + redeemablePredicate + `
		RETURNING ` + grantColumns
	g, err := scanGrant(tx.QueryRowContext(ctx, query, token, now.UTC()))
	if err != nil {
		return nil, err
	}

	if trail != nil {
		if _, err := audit.AppendTx(ctx, tx, *trail, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit grant redemption: %w", err)
	}
	return g, nil
}

// Revoke deactivates the grant and records the trail when the state changed.
func (r *PostgresRepository) Revoke(ctx context.Context, id string, now time.Time, trail audit.LogEntry) (bool, error) {
	if trail.TargetID == "" {
		trail.TargetID = id
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE access_grants SET is_active = false, revoked_at = $2 WHERE id = $1 AND is_active`,
		id, now.UTC().Truncate(time.Microsecond),
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := audit.AppendTx(ctx, tx, trail, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit grant revocation: %w", err)
	}
	return true, nil
}

// ListActiveByPatient returns grants redeemable at now, newest first.
func (r *PostgresRepository) ListActiveByPatient(ctx context.Context, patientID string, now time.Time) ([]*Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants
		WHERE patient_id = $1 AND ` + redeemablePredicate + `
		ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, patientID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	grants := make([]*Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grants: %w", err)
	}
	return grants, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGrant(s scanner) (*Grant, error) {
	var (
		g         Grant
		revokedAt sql.NullTime
	)
	err := s.Scan(
		&g.ID, &g.PatientID, &g.Token, &g.WrappingKey, &g.ExpiresAt, &g.IsActive,
		&g.MaxUses, &g.UseCount, &g.CreatedAt, &revokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan grant: %w", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		g.RevokedAt = &t
	}
	return &g, nil
}
