package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are recorded verbatim.
var staticRoutes = map[string]bool{
	"/":                      true,
	"/auth/generate-nonce":   true,
	"/auth/verify-signature": true,
	"/auth/wallet":           true,
	"/auth/logout":           true,
	"/auth/session":          true,
	"/records":               true,
	"/access/generate":       true,
	"/access/validate":       true,
	"/admin/doctors/pending": true,
	"/admin/approve-doctor":  true,
	"/admin/audit/verify":    true,
	"/admin/audit/export":    true,
	"/ledger/status":         true,
	"/health":                true,
	"/ready":                 true,
	"/metrics":               true,
}

// dynamicRoutes lists route patterns whose {id} segments hold identifiers,
// wallet addresses or transaction hashes.
var dynamicRoutes = [][]string{
	{"users", "{id}"},
	{"records", "patient", "{id}"},
	{"access", "revoke", "{id}"},
	{"access", "patient", "{id}"},
	{"audit", "{id}"},
	{"ledger", "verify", "{id}"},
}

// unmatchedRoute labels paths that match no known route, so probing for
// random URLs cannot grow metric cardinality.
const unmatchedRoute = "unmatched"

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps paths like /audit/123 to /audit/{id}.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for _, pattern := range dynamicRoutes {
		if matchRoute(pattern, parts) {
			return "/" + strings.Join(pattern, "/")
		}
	}
	return unmatchedRoute
}

func matchRoute(pattern, parts []string) bool {
	if len(pattern) != len(parts) {
		return false
	}
	for i, seg := range pattern {
		if seg == "{id}" {
			if parts[i] == "" {
				return false
			}
			continue
		}
		if seg != parts[i] {
			return false
		}
	}
	return true
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics records duration, sizes and counts per normalized route.
// /health and /ready are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)
			next.ServeHTTP(mrw, r)

			// ContentLength is -1 for chunked bodies of unknown size.
			requestSize := max(r.ContentLength, 0)
			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
