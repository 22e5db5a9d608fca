package health

import (
	"context"
	"database/sql"
	"fmt"
)

// DBChecker pings the PostgreSQL pool and confirms the schema is present.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// Name implements Checker.
func (d *DBChecker) Name() string { return "database" }

// HealthCheck pings the database and reads the audit chain head, the table
// every write path depends on.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT 1 FROM audit_logs LIMIT 1`).Scan(&n); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("schema check failed: %w", err)
	}
	return nil
}
