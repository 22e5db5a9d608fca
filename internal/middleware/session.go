package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/medledger/internal/auth"
)

// sessionKey is the context key for the validated session.
type sessionKey struct{}

// SessionValidator validates session tokens.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*auth.Session, error)
}

// SetSession stores a validated session in the context and records its user
// ID for logging.
func SetSession(ctx context.Context, s *auth.Session) context.Context {
	if s == nil {
		return ctx
	}
	if s.UserID != "" {
		ctx = SetUserID(ctx, s.UserID)
	}
	return context.WithValue(ctx, sessionKey{}, s)
}

// GetSession returns the request's session, or nil for anonymous requests.
func GetSession(ctx context.Context) *auth.Session {
	if s, ok := ctx.Value(sessionKey{}).(*auth.Session); ok {
		return s
	}
	return nil
}

// Session loads the session cookie when present. Missing, malformed, expired
// and revoked tokens all leave the request anonymous; handlers decide whether
// a session is required.
func Session(validator SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.SessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			session, err := validator.Validate(r.Context(), cookie.Value)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrExpiredToken) && !errors.Is(err, auth.ErrRevokedToken) {
					slog.WarnContext(r.Context(), "session validation failed", "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(SetSession(r.Context(), session)))
		})
	}
}

// RequireSession rejects requests without a session bound to a registered
// identity.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetSession(r.Context()).Authenticated() {
			writeError(w, r, http.StatusUnauthorized, "session_required", "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
