package record

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/tracing"
)

// PostgresRepository implements Repository on the medical_records table.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates a new PostgreSQL-backed record repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

const recordColumns = `id, patient_id, doctor_id, hospital_name, record_type, title,
	encrypted_content, ipfs_hash, blockchain_hash, pin_degraded, created_at`

// Create inserts the record and its audit entry in one transaction.
func (r *PostgresRepository) Create(ctx context.Context, rec *Record, trail audit.LogEntry) (_ *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "medical_records", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	stored := *rec
	now := r.now()
	prepareCreate(&stored, &trail, now)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO medical_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.ExecContext(ctx, query,
		stored.ID, stored.PatientID, stored.DoctorID, stored.HospitalName, string(stored.RecordType),
		stored.Title, stored.EncryptedContent, stored.IPFSHash, stored.BlockchainHash,
		stored.PinDegraded, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	if _, err := audit.AppendTx(ctx, tx, trail, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit record: %w", err)
	}
	return &stored, nil
}

// GetByID retrieves a record by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM medical_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// ListByPatient returns every record owned by patientID, newest first.
func (r *PostgresRepository) ListByPatient(ctx context.Context, patientID string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM medical_records
		WHERE patient_id = $1
		ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec        Record
		recordType string
	)
	err := s.Scan(
		&rec.ID, &rec.PatientID, &rec.DoctorID, &rec.HospitalName, &recordType, &rec.Title,
		&rec.EncryptedContent, &rec.IPFSHash, &rec.BlockchainHash, &rec.PinDegraded, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.RecordType = Type(recordType)
	return &rec, nil
}
