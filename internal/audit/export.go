package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports logs as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports logs as JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ExportOptions configures audit log export parameters.
type ExportOptions struct {
	Format ExportFormat
	From   time.Time // inclusive, zero = unbounded
	To     time.Time // inclusive, zero = unbounded
	UserID string    // empty exports the whole trail
	Limit  int
}

// ExportLogs exports audit logs matching the given options.
func ExportLogs(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	var (
		logs []*AuditLog
		err  error
	)
	if opts.UserID != "" {
		logs, err = repo.QueryByUser(ctx, opts.UserID, MaxQueryLimit)
	} else {
		logs, err = repo.QueryAll(ctx, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	if !opts.From.IsZero() || !opts.To.IsZero() {
		logs = filterByTimeRange(logs, opts.From, opts.To)
	}
	if opts.Limit > 0 && len(logs) > opts.Limit {
		logs = logs[:opts.Limit]
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(logs)
	}
	return exportToJSON(logs)
}

// filterByTimeRange filters logs to only include entries within the time range.
func filterByTimeRange(logs []*AuditLog, from, to time.Time) []*AuditLog {
	filtered := make([]*AuditLog, 0, len(logs))
	for _, log := range logs {
		if !from.IsZero() && log.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && log.CreatedAt.After(to) {
			continue
		}
		filtered = append(filtered, log)
	}
	return filtered
}

var csvHeader = []string{
	"ID",
	"Timestamp (UTC)",
	"Actor ID",
	"Target ID",
	"Action",
	"Entity Type",
	"Metadata",
	"Transaction Hash",
	"Request ID",
	"Previous Hash",
	"Hash",
}

func exportToCSV(logs []*AuditLog) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, log := range logs {
		txHash := ""
		if log.TransactionHash != nil {
			txHash = *log.TransactionHash
		}
		row := []string{
			log.ID,
			log.CreatedAt.UTC().Format(time.RFC3339),
			log.ActorID,
			log.TargetID,
			string(log.Action),
			log.EntityType,
			string(log.Metadata),
			txHash,
			log.RequestID,
			log.PreviousHash,
			log.Hash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func exportToJSON(logs []*AuditLog) ([]byte, error) {
	if logs == nil {
		logs = []*AuditLog{}
	}
	data, err := json.MarshalIndent(logs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
