package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/medledger/internal/clock"
)

// RateLimitConfig is one fixed-window limit. Name scopes the counters, so two
// limiters sharing a store and a key function never share a bucket.
type RateLimitConfig struct {
	Name              string
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate reports a config that would block everything or nothing.
func (c RateLimitConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("rate limit name is required"))
	}
	if c.RequestsPerWindow <= 0 {
		errs = append(errs, fmt.Errorf("rate limit %q: RequestsPerWindow must be > 0 (got %d)", c.Name, c.RequestsPerWindow))
	}
	if c.WindowDuration <= 0 {
		errs = append(errs, fmt.Errorf("rate limit %q: WindowDuration must be > 0 (got %s)", c.Name, c.WindowDuration))
	}
	return errors.Join(errs...)
}

// DefaultGlobalLimit applies to every request: 100 per minute per caller.
func DefaultGlobalLimit() RateLimitConfig {
	return RateLimitConfig{Name: "global", RequestsPerWindow: 100, WindowDuration: time.Minute}
}

// DefaultAuthLimit throttles the wallet challenge routes: 10 per minute per IP.
func DefaultAuthLimit() RateLimitConfig {
	return RateLimitConfig{Name: "auth", RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// DefaultRedeemLimit throttles grant redemption to 30 per minute per caller.
// Grant tokens are bearer secrets, so guessing is held tighter than reads.
func DefaultRedeemLimit() RateLimitConfig {
	return RateLimitConfig{Name: "redeem", RequestsPerWindow: 30, WindowDuration: time.Minute}
}

// RateLimitStore counts requests per key.
type RateLimitStore interface {
	// Allow counts one request for key. remaining is what is left in the
	// current window; retryAfter is in seconds and only set when blocked.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

type window struct {
	count int
	ends  time.Time
}

// InMemoryRateLimitStore is a fixed-window RateLimitStore for a single
// instance. Expired windows are dropped by Cleanup.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	clock   clock.Clock
}

// NewInMemoryRateLimitStore creates an in-memory store on the wall clock.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return NewInMemoryRateLimitStoreWithClock(clock.Real())
}

// NewInMemoryRateLimitStoreWithClock creates an in-memory store on c.
func NewInMemoryRateLimitStoreWithClock(c clock.Clock) *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window), clock: c}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.ends) {
		s.windows[key] = &window{count: 1, ends: now.Add(config.WindowDuration)}
		return true, config.RequestsPerWindow - 1, 0
	}
	if w.count < config.RequestsPerWindow {
		w.count++
		return true, config.RequestsPerWindow - w.count, 0
	}
	return false, 0, retryAfterSeconds(w.ends.Sub(now))
}

// Cleanup drops windows that have ended. Returns the number removed.
func (s *InMemoryRateLimitStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.ends) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (s *InMemoryRateLimitStore) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// retryAfterSeconds rounds up so clients never retry into the same window.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys by client IP: the first X-Forwarded-For hop, then X-Real-IP,
// then the connection's remote host.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + ClientIP(r)
	}
}

// UserKeyFunc keys by the session's identity, falling back to the client IP
// for anonymous requests.
func UserKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if id := GetUserID(r.Context()); id != "" {
			return "user:" + id
		}
		return "ip:" + ClientIP(r)
	}
}

// ClientIP returns the best guess at the caller's address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// keyType labels a key for metrics without exposing it.
func keyType(key string) string {
	kind, _, _ := strings.Cut(key, ":")
	return kind
}

// RateLimiter rejects requests over config with 429 and a Retry-After header.
// metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	limit := strconv.Itoa(config.RequestsPerWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			kt := keyType(key)
			metrics.IncRateLimitRequests(config.Name, kt)

			allowed, remaining, retryAfter := store.Allow(r.Context(), config.Name+":"+key, config)
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				metrics.IncRateLimitBlocked(config.Name, kt)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
