package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// chainLockKey serializes appends so each entry links to the true predecessor.
const chainLockKey = 7_340_021

// PostgresRepository implements Repository on the audit_logs table.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates a new PostgreSQL-backed audit repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

// Append records an event in its own transaction.
func (r *PostgresRepository) Append(ctx context.Context, entry LogEntry) (*AuditLog, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	log, err := AppendTx(ctx, tx, entry, r.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit entry: %w", err)
	}
	return log, nil
}

// AppendTx writes an audit entry inside a caller-owned transaction so the
// audited mutation and its trail commit or roll back together.
func AppendTx(ctx context.Context, tx *sql.Tx, entry LogEntry, now time.Time) (*AuditLog, error) {
	if err := validateLogEntry(entry); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("failed to lock audit chain: %w", err)
	}

	var prev string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last audit hash: %w", err)
	}

	log, err := newAuditLog(entry, now, prev)
	if err != nil {
		return nil, err
	}

	var metadata any
	if len(log.Metadata) > 0 {
		metadata = string(log.Metadata)
	}

	query := `
		INSERT INTO audit_logs (
			id, actor_id, target_id, action, entity_type, metadata, transaction_hash,
			request_id, ip_address, user_agent, previous_hash, hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = tx.ExecContext(ctx, query,
		log.ID, log.ActorID, log.TargetID, string(log.Action), log.EntityType, metadata,
		log.TransactionHash, log.RequestID, log.IPAddress, log.UserAgent,
		log.PreviousHash, log.Hash, log.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return log, nil
}

const selectColumns = `id, actor_id, target_id, action, entity_type, metadata, transaction_hash,
	request_id, ip_address, user_agent, previous_hash, hash, created_at`

// QueryByUser returns entries where userID is the actor or the target, newest first.
func (r *PostgresRepository) QueryByUser(ctx context.Context, userID string, limit int) ([]*AuditLog, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_logs
		WHERE actor_id = $1 OR target_id = $1
		ORDER BY seq DESC
		LIMIT $2`
	return r.query(ctx, query, userID, clampLimit(limit))
}

// QueryAll returns entries oldest first.
func (r *PostgresRepository) QueryAll(ctx context.Context, limit int) ([]*AuditLog, error) {
	if limit <= 0 {
		return r.query(ctx, `SELECT `+selectColumns+` FROM audit_logs ORDER BY seq ASC`)
	}
	return r.query(ctx, `SELECT `+selectColumns+` FROM audit_logs ORDER BY seq ASC LIMIT $1`, limit)
}

// LastHash returns the hash of the most recent entry.
func (r *PostgresRepository) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, `SELECT hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last audit hash: %w", err)
	}
	return hash, nil
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*AuditLog, 0)
	for rows.Next() {
		var (
			log      AuditLog
			action   string
			metadata sql.NullString
			txHash   sql.NullString
		)
		if err := rows.Scan(
			&log.ID, &log.ActorID, &log.TargetID, &action, &log.EntityType, &metadata, &txHash,
			&log.RequestID, &log.IPAddress, &log.UserAgent, &log.PreviousHash, &log.Hash, &log.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.Action = Action(action)
		if metadata.Valid {
			log.Metadata = []byte(metadata.String)
		}
		if txHash.Valid {
			tx := txHash.String
			log.TransactionHash = &tx
		}
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return logs, nil
}
