// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// Defaults for the browser client. Sessions ride on a cookie, so there is no
// Authorization header to allow.
var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}
	defaultCORSHeaders = []string{"Content-Type", RequestIDHeader, IdempotencyKeyHeader}
	exposedCORSHeaders = []string{RequestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", IdempotentReplayHeader}
)

// defaultCORSMaxAge caches preflight results for ten minutes.
const defaultCORSMaxAge = 600

// CORSConfig controls which browser origins may call the API.
type CORSConfig struct {
	// AllowedOrigins must list exact origins. Empty disables CORS handling.
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	// AllowCredentials lets the browser send the session cookie cross-origin.
	AllowCredentials bool
	// MaxAge in seconds. Zero uses ten minutes, negative omits the header.
	MaxAge int
}

func (c CORSConfig) withDefaults() CORSConfig {
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = defaultCORSMethods
	}
	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = defaultCORSHeaders
	}
	if c.MaxAge == 0 {
		c.MaxAge = defaultCORSMaxAge
	}
	return c
}

// CORS answers preflight requests and tags responses for allowed origins.
// Requests carrying an Origin outside the allowlist get a 403 before reaching
// any handler; requests without an Origin pass through untouched.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()

	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" && o != "*" {
			origins[o] = struct{}{}
		}
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	exposed := strings.Join(exposedCORSHeaders, ", ")

	return func(next http.Handler) http.Handler {
		if len(origins) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			if _, ok := origins[origin]; !ok {
				writeError(w, r, http.StatusForbidden, "origin_not_allowed", "Origin not allowed")
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				if cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.Set("Access-Control-Expose-Headers", exposed)
			next.ServeHTTP(w, r)
		})
	}
}
