package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/medledger/internal/idempotency"
	"github.com/onnwee/medledger/internal/middleware"
)

// ServiceName identifies the API in traces and the root endpoint.
const ServiceName = "medledger-api"

// idempotentRoutes accept an optional Idempotency-Key header.
var idempotentRoutes = map[string]bool{
	"/records":         true,
	"/access/generate": true,
}

// RouterConfig holds everything the HTTP surface needs. Handler groups are
// required; the remaining fields are optional.
type RouterConfig struct {
	Logger *slog.Logger

	Auth    *AuthHandlers
	Users   *UserHandlers
	Records *RecordHandlers
	Access  *AccessHandlers
	Audit   *AuditHandlers
	Admin   *AdminHandlers
	Ledger  *LedgerHandlers
	Health  *HealthHandlers

	Sessions middleware.SessionValidator

	// RateLimitStore enables rate limiting when set.
	RateLimitStore middleware.RateLimitStore
	GlobalLimit    middleware.RateLimitConfig
	AuthLimit      middleware.RateLimitConfig
	RedeemLimit    middleware.RateLimitConfig

	// Idempotency enables Idempotency-Key replay on write routes when set.
	Idempotency idempotency.Repository

	CORS           middleware.CORSConfig
	Metrics        *middleware.Metrics
	MetricsHandler http.Handler
	TracingEnabled bool
}

// NewRouter registers every route and wraps the mux in the middleware chain:
// RequestID, Tracing, Logging, HTTPMetrics, CORS, Session, RateLimiter, Idempotency.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.GlobalLimit.Validate() != nil {
		cfg.GlobalLimit = middleware.DefaultGlobalLimit()
	}
	if cfg.AuthLimit.Validate() != nil {
		cfg.AuthLimit = middleware.DefaultAuthLimit()
	}
	if cfg.RedeemLimit.Validate() != nil {
		cfg.RedeemLimit = middleware.DefaultRedeemLimit()
	}

	limit := func(c middleware.RateLimitConfig, key middleware.KeyFunc) func(http.Handler) http.Handler {
		if cfg.RateLimitStore == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return middleware.RateLimiter(cfg.RateLimitStore, c, key, cfg.Metrics)
	}
	authLimited := limit(cfg.AuthLimit, middleware.IPKeyFunc())
	redeemLimited := limit(cfg.RedeemLimit, middleware.UserKeyFunc())
	session := middleware.RequireSession

	mux := http.NewServeMux()

	// Wallet challenge and session
	mux.Handle("POST /auth/generate-nonce", authLimited(http.HandlerFunc(cfg.Auth.GenerateNonce)))
	mux.Handle("POST /auth/verify-signature", authLimited(http.HandlerFunc(cfg.Auth.VerifySignature)))
	mux.Handle("POST /auth/wallet", authLimited(http.HandlerFunc(cfg.Auth.Register)))
	mux.HandleFunc("POST /auth/logout", cfg.Auth.Logout)
	mux.HandleFunc("GET /auth/session", cfg.Auth.Session)

	// Identities
	mux.HandleFunc("GET /users/{walletAddress}", cfg.Users.GetByWallet)
	mux.Handle("PATCH /users/{userId}", session(http.HandlerFunc(cfg.Users.UpdateProfile)))

	// Records
	mux.Handle("GET /records/patient/{patientId}", session(http.HandlerFunc(cfg.Records.ListByPatient)))
	mux.Handle("POST /records", session(http.HandlerFunc(cfg.Records.Create)))

	// Access grants
	mux.Handle("POST /access/generate", session(http.HandlerFunc(cfg.Access.Generate)))
	mux.Handle("POST /access/validate", session(redeemLimited(http.HandlerFunc(cfg.Access.Validate))))
	mux.Handle("POST /access/revoke/{grantId}", session(http.HandlerFunc(cfg.Access.Revoke)))
	mux.Handle("GET /access/patient/{patientId}", session(http.HandlerFunc(cfg.Access.ListByPatient)))

	// Audit trail
	mux.Handle("GET /audit/{userId}", session(http.HandlerFunc(cfg.Audit.ListByUser)))

	// Administration: the admin wallet need not belong to a registered identity.
	mux.Handle("GET /admin/doctors/pending", cfg.Admin.RequireAdmin(http.HandlerFunc(cfg.Admin.PendingDoctors)))
	mux.Handle("POST /admin/approve-doctor", cfg.Admin.RequireAdmin(http.HandlerFunc(cfg.Admin.ApproveDoctor)))
	mux.Handle("GET /admin/audit/verify", cfg.Admin.RequireAdmin(http.HandlerFunc(cfg.Admin.VerifyAuditChain)))
	mux.Handle("GET /admin/audit/export", cfg.Admin.RequireAdmin(http.HandlerFunc(cfg.Admin.ExportAudit)))

	// Ledger (public)
	mux.HandleFunc("GET /ledger/status", cfg.Ledger.Status)
	mux.HandleFunc("GET /ledger/verify/{txHash}", cfg.Ledger.Verify)

	// Probes
	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"service": ServiceName, "version": "0.1.0"})
	})

	var handler http.Handler = mux
	if cfg.Idempotency != nil {
		handler = middleware.Idempotency(cfg.Idempotency, idempotentRoutes)(handler)
	}
	handler = limit(cfg.GlobalLimit, middleware.UserKeyFunc())(handler)
	if cfg.Sessions != nil {
		handler = middleware.Session(cfg.Sessions)(handler)
	}
	handler = middleware.CORS(cfg.CORS)(handler)
	if cfg.Metrics != nil {
		handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handler = middleware.Logging(logger)(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing(ServiceName)(handler)
	}
	return middleware.RequestID(handler)
}
