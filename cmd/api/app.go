package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/medledger/internal/api"
	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/auth"
	"github.com/onnwee/medledger/internal/clock"
	"github.com/onnwee/medledger/internal/config"
	"github.com/onnwee/medledger/internal/db"
	"github.com/onnwee/medledger/internal/grant"
	"github.com/onnwee/medledger/internal/health"
	"github.com/onnwee/medledger/internal/idempotency"
	"github.com/onnwee/medledger/internal/ledger"
	"github.com/onnwee/medledger/internal/middleware"
	"github.com/onnwee/medledger/internal/pinning"
	"github.com/onnwee/medledger/internal/record"
	"github.com/onnwee/medledger/internal/tracing"
	"github.com/onnwee/medledger/internal/user"
)

const (
	idempotencyCleanupInterval = time.Hour
	rateLimitCleanupInterval   = 5 * time.Minute
)

// app is the wired server: the root handler plus everything to release on exit.
type app struct {
	handler  http.Handler
	closers  []func()
	cancelBG context.CancelFunc
}

type stores struct {
	audit       audit.Repository
	users       user.Repository
	records     record.Repository
	grants      grant.Repository
	idempotency idempotency.Repository
}

type sessionStores struct {
	nonces      auth.NonceStore
	revocations auth.RevocationStore
	rateLimits  middleware.RateLimitStore
}

type appMetrics struct {
	auth    *auth.Metrics
	records *record.Metrics
	grants  *grant.Metrics
	http    *middleware.Metrics
	handler http.Handler
}

// newApp connects to every configured backend and builds the router.
// Unconfigured optional backends fall back to in-process implementations.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var checkers []health.Checker

	st, conn, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if conn != nil {
		a.closers = append(a.closers, func() { conn.Close() })
		checkers = append(checkers, health.NewDBChecker(conn))
	}

	metrics, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}

	ss, redisClient, err := openSessionStores(cfg, metrics.http)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		a.closers = append(a.closers, func() { redisClient.Close() })
		checkers = append(checkers, health.NewRedisChecker(redisClient))
	}

	ledgerClient, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if eth, ok := ledgerClient.(*ledger.EthClient); ok {
		a.closers = append(a.closers, eth.Close)
		checkers = append(checkers, health.NewLedgerChecker(eth))
	}

	pinner, err := openPinner(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.PinataConfigured() && cfg.PinataJWT != "" {
		checkers = append(checkers, health.NewPinataChecker("", cfg.PinataJWT))
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		ServiceName:  api.ServiceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: !cfg.IsProduction(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	})

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancelBG = cancel
	go idempotency.RunPeriodicCleanup(bgCtx, st.idempotency, idempotencyCleanupInterval, idempotency.DefaultExpiry)
	if mem, ok := ss.rateLimits.(*middleware.InMemoryRateLimitStore); ok {
		go mem.RunCleanup(bgCtx, rateLimitCleanupInterval)
	}

	realClock := clock.Real()
	sessions := auth.NewSessionServiceWithRotation(cfg.SessionSecret, cfg.SessionSecretPrevious, cfg.SessionTTL, ss.revocations)
	authenticator := auth.NewAuthenticator(ss.nonces, cfg.NonceTTL, realClock, metrics.auth)
	ingestion := record.NewIngestion(st.records, st.users, pinner, ledgerClient, metrics.records, logger)
	protocol := grant.NewProtocol(st.grants, st.users, st.records, ledgerClient, realClock, metrics.grants)

	global := middleware.DefaultGlobalLimit()
	global.RequestsPerWindow = cfg.RateLimitPerMinute

	a.handler = api.NewRouter(api.RouterConfig{
		Logger:  logger,
		Auth:    api.NewAuthHandlers(authenticator, sessions, st.users, st.audit, cfg.IsProduction()),
		Users:   api.NewUserHandlers(st.users),
		Records: api.NewRecordHandlers(ingestion, st.records),
		Access:  api.NewAccessHandlers(protocol),
		Audit:   api.NewAuditHandlers(st.audit),
		Admin:   api.NewAdminHandlers(st.users, st.audit, ledgerClient, cfg.AdminWallet),
		Ledger:  api.NewLedgerHandlers(ledgerClient, cfg.LedgerExplorerURL),
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			Checkers:       checkers,
			MetricsEnabled: cfg.MetricsEnabled,
		}),
		Sessions:       sessions,
		RateLimitStore: ss.rateLimits,
		GlobalLimit:    global,
		AuthLimit:      middleware.DefaultAuthLimit(),
		RedeemLimit:    middleware.DefaultRedeemLimit(),
		Idempotency:    st.idempotency,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowCredentials: true,
		},
		Metrics:        metrics.http,
		MetricsHandler: metrics.handler,
		TracingEnabled: tracer.IsEnabled(),
	})
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.cancelBG != nil {
		a.cancelBG()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		if cfg.IsProduction() {
			return nil, nil, config.ErrMissingDatabaseURL
		}
		logger.Warn("DATABASE_URL not set; records are kept in memory and lost on restart")
		auditRepo := audit.NewInMemoryRepository()
		return &stores{
			audit:       auditRepo,
			users:       user.NewInMemoryRepository(auditRepo),
			records:     record.NewInMemoryRepository(auditRepo),
			grants:      grant.NewInMemoryRepository(auditRepo),
			idempotency: idempotency.NewInMemoryRepository(),
		}, nil, nil
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.Options{})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return &stores{
		audit:       audit.NewPostgresRepository(conn),
		users:       user.NewPostgresRepository(conn),
		records:     record.NewPostgresRepository(conn),
		grants:      grant.NewPostgresRepository(conn),
		idempotency: idempotency.NewPostgresRepository(conn),
	}, conn, nil
}

func openSessionStores(cfg *config.Config, httpMetrics *middleware.Metrics) (*sessionStores, *redis.Client, error) {
	if cfg.RedisURL == "" {
		c := clock.Real()
		return &sessionStores{
			nonces:      auth.NewInMemoryNonceStore(c),
			revocations: auth.NewInMemoryRevocationStore(c),
			rateLimits:  middleware.NewInMemoryRateLimitStore(),
		}, nil, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	limiter := middleware.NewRedisRateLimitStore(client)
	limiter.SetMetrics(httpMetrics)
	return &sessionStores{
		nonces:      auth.NewRedisNonceStore(client),
		revocations: auth.NewRedisRevocationStore(client),
		rateLimits:  limiter,
	}, client, nil
}

func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Client, error) {
	if !cfg.LedgerConfigured() {
		logger.Warn("ledger not configured; record proofs and grant tokens are not checked on-chain")
		return ledger.Disabled{ChainID: cfg.LedgerChainID, ExplorerURL: cfg.LedgerExplorerURL}, nil
	}
	client, err := ledger.DialEth(ctx, ledger.EthConfig{
		RPCURL:          cfg.LedgerRPCURL,
		ContractAddress: cfg.LedgerContractAddress,
		ChainID:         cfg.LedgerChainID,
		ExplorerURL:     cfg.LedgerExplorerURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}
	if !client.Configured() {
		logger.Warn("ledger contract address not set; grant tokens are not checked on-chain, record proofs still are")
	}
	return client, nil
}

func openPinner(cfg *config.Config, logger *slog.Logger) (pinning.Uploader, error) {
	switch {
	case cfg.PinataConfigured():
		return pinning.NewPinataUploader(pinning.PinataConfig{
			JWT:       cfg.PinataJWT,
			APIKey:    cfg.PinataAPIKey,
			SecretKey: cfg.PinataSecretKey,
		})
	case cfg.PinS3Configured():
		return pinning.NewS3Uploader(pinning.S3Config{
			Bucket:          cfg.PinS3Bucket,
			AccessKeyID:     cfg.PinS3AccessKeyID,
			SecretAccessKey: cfg.PinS3SecretAccessKey,
			Endpoint:        cfg.PinS3Endpoint,
		})
	}
	logger.Warn("no pinning backend configured; records get locally computed content IDs")
	return pinning.Disabled{}, nil
}

// newMetrics registers every collector on a private registry. Disabled
// metrics still return usable nil-safe collectors and no handler.
func newMetrics(cfg *config.Config) (*appMetrics, error) {
	m := &appMetrics{
		auth:    auth.NewMetrics(),
		records: record.NewMetrics(),
		grants:  grant.NewMetrics(),
		http:    middleware.NewMetrics(),
	}
	if !cfg.MetricsEnabled {
		return m, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	err := errors.Join(
		m.auth.Register(reg),
		m.records.Register(reg),
		m.grants.Register(reg),
		m.http.Register(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return m, nil
}
