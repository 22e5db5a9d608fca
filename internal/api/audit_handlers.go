package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/middleware"
	"github.com/onnwee/medledger/internal/validate"
)

// AuditLogsResponse lists audit entries, newest first.
type AuditLogsResponse struct {
	Logs []*audit.AuditLog `json:"logs"`
}

// AuditHandlers serves a user's own audit trail.
type AuditHandlers struct {
	repo audit.Repository
}

// NewAuditHandlers creates AuditHandlers.
func NewAuditHandlers(repo audit.Repository) *AuditHandlers {
	return &AuditHandlers{repo: repo}
}

// ListByUser handles GET /audit/{userId}.
//
// Query parameters:
//   - limit: entries to return (default 50, max 200)
//   - format: csv or json returns a downloadable export instead of the JSON envelope
//   - from, to: RFC3339 bounds applied to exports
func (h *AuditHandlers) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if callerID(r) != userID {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "You can only view your own audit trail")
		return
	}

	query := r.URL.Query()
	var errs validate.Errors

	limit := audit.DefaultQueryLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > audit.MaxQueryLimit {
			errs.Addf("limit", fmt.Sprintf("must be between 1 and %d", audit.MaxQueryLimit))
		}
		limit = n
	}
	from := parseTimeParam(query.Get("from"), "from", &errs)
	to := parseTimeParam(query.Get("to"), "to", &errs)

	format := audit.ExportFormat(query.Get("format"))
	if format != "" && format != audit.ExportFormatCSV && format != audit.ExportFormatJSON {
		errs.Addf("format", "must be one of csv, json")
	}
	if len(errs) > 0 {
		WriteValidationError(w, r.Context(), errs)
		return
	}

	if format != "" {
		h.export(w, r, audit.ExportOptions{Format: format, From: from, To: to, UserID: userID, Limit: limit})
		return
	}

	logs, err := h.repo.QueryByUser(r.Context(), userID, limit)
	if err != nil {
		writeInternal(w, r, err, "Failed to load audit logs")
		return
	}
	writeJSON(w, r, http.StatusOK, AuditLogsResponse{Logs: logs})
}

func (h *AuditHandlers) export(w http.ResponseWriter, r *http.Request, opts audit.ExportOptions) {
	data, err := audit.ExportLogs(r.Context(), h.repo, opts)
	if err != nil {
		writeInternal(w, r, err, "Failed to export audit logs")
		return
	}

	contentType := "application/json"
	if opts.Format == audit.ExportFormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	filename := fmt.Sprintf("audit-%s.%s", time.Now().UTC().Format("20060102"), opts.Format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// parseTimeParam parses an optional RFC3339 query value.
func parseTimeParam(raw, field string, errs *validate.Errors) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		errs.Addf(field, "must be an RFC3339 timestamp")
	}
	return t
}
