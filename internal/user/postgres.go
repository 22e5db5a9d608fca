package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/onnwee/medledger/internal/audit"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresRepository implements Repository on the users table.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates a new PostgreSQL-backed user repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

const userColumns = `id, wallet_address, role, name, gender, age, blood_type, allergies,
	license_number, specialization, hospital_name, public_key, is_verified, created_at, updated_at`

// Create inserts the user and its audit entry in one transaction.
func (r *PostgresRepository) Create(ctx context.Context, u *User, trail audit.LogEntry) (*User, error) {
	stored := *u
	now := r.now()
	prepareCreate(&stored, &trail, now)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = tx.ExecContext(ctx, query,
		stored.ID, stored.WalletAddress, string(stored.Role), stored.Name, stored.Gender, stored.Age,
		stored.BloodType, stored.Allergies, stored.LicenseNumber, stored.Specialization,
		stored.HospitalName, stored.PublicKey, stored.IsVerified, stored.CreatedAt, stored.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrWalletExists
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	if _, err := audit.AppendTx(ctx, tx, trail, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user: %w", err)
	}
	return &stored, nil
}

// GetByID retrieves a user by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByWallet retrieves a user by wallet address.
func (r *PostgresRepository) GetByWallet(ctx context.Context, wallet string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE wallet_address = $1`, wallet)
	return scanUser(row)
}

// Update overwrites profile fields and records the trail in one transaction.
func (r *PostgresRepository) Update(ctx context.Context, u *User, trail audit.LogEntry) (*User, error) {
	if trail.TargetID == "" {
		trail.TargetID = u.ID
	}
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE users
		SET name = $2, gender = $3, age = $4, blood_type = $5, allergies = $6,
			specialization = $7, hospital_name = $8, updated_at = $9
		WHERE id = $1
		RETURNING ` + userColumns
	updated, err := scanUser(tx.QueryRowContext(ctx, query,
		u.ID, u.Name, u.Gender, u.Age, u.BloodType, u.Allergies,
		u.Specialization, u.HospitalName, now.UTC().Truncate(time.Microsecond),
	))
	if err != nil {
		return nil, err
	}

	if _, err := audit.AppendTx(ctx, tx, trail, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit profile update: %w", err)
	}
	return updated, nil
}

// ListPendingDoctors returns unverified doctors, oldest first.
func (r *PostgresRepository) ListPendingDoctors(ctx context.Context) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users
		WHERE role = 'doctor' AND is_verified = false
		ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending doctors: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending doctors: %w", err)
	}
	return users, nil
}

// Approve marks a doctor as verified and records the trail in one transaction.
func (r *PostgresRepository) Approve(ctx context.Context, id string, trail audit.LogEntry) (*User, error) {
	if trail.TargetID == "" {
		trail.TargetID = id
	}
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE users SET is_verified = true, updated_at = $2
		WHERE id = $1 AND role = 'doctor'
		RETURNING ` + userColumns
	approved, err := scanUser(tx.QueryRowContext(ctx, query, id, now.UTC().Truncate(time.Microsecond)))
	if err != nil {
		return nil, err
	}

	if _, err := audit.AppendTx(ctx, tx, trail, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit doctor approval: %w", err)
	}
	return approved, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var (
		u    User
		role string
	)
	err := s.Scan(
		&u.ID, &u.WalletAddress, &role, &u.Name, &u.Gender, &u.Age, &u.BloodType, &u.Allergies,
		&u.LicenseNumber, &u.Specialization, &u.HospitalName, &u.PublicKey, &u.IsVerified,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Role = Role(role)
	return &u, nil
}
