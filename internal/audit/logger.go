package audit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/onnwee/medledger/internal/middleware"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to logging functions.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidEntityType is returned when an invalid entity type is provided.
	ErrInvalidEntityType = errors.New("invalid audit entity type")
	// ErrInvalidTarget is returned when the target ID is empty.
	ErrInvalidTarget = errors.New("audit target ID cannot be empty")
	// ErrInvalidAction is returned when an action is outside the closed enumeration.
	ErrInvalidAction = errors.New("invalid audit action")
)

// ValidEntityTypes defines the allowed entity types for audit logging.
var ValidEntityTypes = map[string]bool{
	EntityUser:   true,
	EntityRecord: true,
	EntityGrant:  true,
}

// validateLogEntry validates the required fields of a log entry against whitelists.
func validateLogEntry(entry LogEntry) error {
	if !entry.Action.Valid() {
		return ErrInvalidAction
	}
	if !ValidEntityTypes[entry.EntityType] {
		return ErrInvalidEntityType
	}
	if entry.TargetID == "" {
		return ErrInvalidTarget
	}
	return nil
}

// WithRequest fills request metadata on entry from r and its context.
func WithRequest(r *http.Request, entry LogEntry) LogEntry {
	entry.RequestID = middleware.GetRequestID(r.Context())
	entry.IPAddress = extractIPAddress(r)
	entry.UserAgent = r.UserAgent()
	if entry.ActorID == "" {
		entry.ActorID = middleware.GetUserID(r.Context())
	}
	return entry
}

// Log appends entry, taking the request ID and actor from ctx when unset.
//
// Error handling: This function uses a fail-closed approach - if audit logging fails,
// the error is returned to the caller.
func Log(ctx context.Context, repo Repository, entry LogEntry) (*AuditLog, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetRequestID(ctx)
	}
	if entry.ActorID == "" {
		entry.ActorID = middleware.GetUserID(ctx)
	}
	return repo.Append(ctx, entry)
}

// extractIPAddress extracts the client IP address from an HTTP request.
// It checks X-Forwarded-For, X-Real-IP, and RemoteAddr in that order.
func extractIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		firstIP := xff
		if idx := strings.Index(xff, ","); idx != -1 {
			firstIP = xff[:idx]
		}
		firstIP = strings.TrimSpace(firstIP)
		if firstIP != "" {
			return stripPort(firstIP)
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return stripPort(xri)
	}

	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
