// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/medledger/internal/validate"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Sessions and wallet challenges
	SessionSecret         string        `koanf:"session_secret"`
	SessionSecretPrevious string        `koanf:"session_secret_previous"`
	SessionTTL            time.Duration `koanf:"session_ttl"`
	NonceTTL              time.Duration `koanf:"nonce_ttl"`
	AdminWallet           string        `koanf:"admin_wallet"`

	// Ledger (read-only JSON-RPC)
	LedgerRPCURL          string `koanf:"ledger_rpc_url"`
	LedgerContractAddress string `koanf:"ledger_contract_address"`
	LedgerChainID         int64  `koanf:"ledger_chain_id"`
	LedgerExplorerURL     string `koanf:"ledger_explorer_url"`

	// Pinata pinning
	PinataJWT        string `koanf:"pinata_jwt"`
	PinataAPIKey     string `koanf:"pinata_api_key"`
	PinataSecretKey  string `koanf:"pinata_secret_key"`
	PinataGatewayURL string `koanf:"pinata_gateway_url"`

	// S3-compatible pinning bucket
	PinS3Bucket          string `koanf:"pin_s3_bucket"`
	PinS3Endpoint        string `koanf:"pin_s3_endpoint"`
	PinS3AccessKeyID     string `koanf:"pin_s3_access_key_id"`
	PinS3SecretAccessKey string `koanf:"pin_s3_secret_access_key"`

	// HTTP surface
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
	RateLimitPerMinute int      `koanf:"rate_limit_per_minute"`

	// Observability
	MetricsEnabled    bool    `koanf:"metrics_enabled"`
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	OTLPEndpoint      string  `koanf:"otel_exporter_otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL     = errors.New("DATABASE_URL is required in production")
	ErrMissingSessionSecret   = errors.New("SESSION_SECRET is required")
	ErrShortSessionSecret     = errors.New("SESSION_SECRET must be at least 32 bytes")
	ErrInvalidAdminWallet     = errors.New("ADMIN_WALLET must be a 0x-prefixed 40 hex digit address")
	ErrInvalidContractAddress = errors.New("LEDGER_CONTRACT_ADDRESS must be a 0x-prefixed 40 hex digit address")
	ErrMissingLedgerRPCURL    = errors.New("LEDGER_RPC_URL is required when LEDGER_CONTRACT_ADDRESS is set")
	ErrMissingPinS3Bucket     = errors.New("PIN_S3_BUCKET is required")
	ErrMissingPinS3AccessKey  = errors.New("PIN_S3_ACCESS_KEY_ID is required")
	ErrMissingPinS3SecretKey  = errors.New("PIN_S3_SECRET_ACCESS_KEY is required")
	ErrMissingPinS3Endpoint   = errors.New("PIN_S3_ENDPOINT is required")
	ErrInvalidPort            = errors.New("PORT must be a valid integer")
	ErrPortOutOfRange         = errors.New("PORT must be between 1 and 65535")
	ErrInvalidDuration        = errors.New("must be a valid duration")
	ErrInvalidRateLimit       = errors.New("RATE_LIMIT_PER_MINUTE must be positive")
	ErrInvalidSampleRate      = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
)

// MinSessionSecretLength is the minimum HS256 key size accepted.
const MinSessionSecretLength = 32

// Default values for non-secret configuration.
const (
	DefaultPort               = 8080
	DefaultEnv                = "development"
	DefaultSessionTTL         = 24 * time.Hour
	DefaultNonceTTL           = 5 * time.Minute
	DefaultRateLimitPerMinute = 100
	DefaultTracingSampleRate  = 0.1
	DefaultMetricsEnabled     = true
	DefaultPinataGatewayURL   = "https://gateway.pinata.cloud"
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefault("PORT", k.Int("port"), DefaultPort)
	collect(err)
	rateLimit, err := getEnvIntOrDefault("RATE_LIMIT_PER_MINUTE", k.Int("rate_limit_per_minute"), DefaultRateLimitPerMinute)
	collect(err)
	chainID, err := getEnvIntOrDefault("LEDGER_CHAIN_ID", k.Int("ledger_chain_id"), 0)
	collect(err)
	sessionTTL, err := getEnvDurationOrDefault("SESSION_TTL", k.String("session_ttl"), DefaultSessionTTL)
	collect(err)
	nonceTTL, err := getEnvDurationOrDefault("NONCE_TTL", k.String("nonce_ttl"), DefaultNonceTTL)
	collect(err)
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)

	cfg := &Config{
		Port:                  port,
		Env:                   getEnvOrDefaultMulti([]string{"ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:           getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:              getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		SessionSecret:         getEnvOrKoanf("SESSION_SECRET", k, "session_secret"),
		SessionSecretPrevious: getEnvOrKoanf("SESSION_SECRET_PREVIOUS", k, "session_secret_previous"),
		SessionTTL:            sessionTTL,
		NonceTTL:              nonceTTL,
		AdminWallet:           strings.ToLower(getEnvOrKoanf("ADMIN_WALLET", k, "admin_wallet")),
		LedgerRPCURL:          getEnvOrKoanf("LEDGER_RPC_URL", k, "ledger_rpc_url"),
		LedgerContractAddress: getEnvOrKoanf("LEDGER_CONTRACT_ADDRESS", k, "ledger_contract_address"),
		LedgerChainID:         int64(chainID),
		LedgerExplorerURL:     getEnvOrKoanf("LEDGER_EXPLORER_URL", k, "ledger_explorer_url"),
		PinataJWT:             getEnvOrKoanf("PINATA_JWT", k, "pinata_jwt"),
		PinataAPIKey:          getEnvOrKoanf("PINATA_API_KEY", k, "pinata_api_key"),
		PinataSecretKey:       getEnvOrKoanf("PINATA_SECRET_KEY", k, "pinata_secret_key"),
		PinataGatewayURL:      getEnvOrDefault("PINATA_GATEWAY_URL", k.String("pinata_gateway_url"), DefaultPinataGatewayURL),
		PinS3Bucket:           getEnvOrKoanf("PIN_S3_BUCKET", k, "pin_s3_bucket"),
		PinS3Endpoint:         getEnvOrKoanf("PIN_S3_ENDPOINT", k, "pin_s3_endpoint"),
		PinS3AccessKeyID:      getEnvOrKoanf("PIN_S3_ACCESS_KEY_ID", k, "pin_s3_access_key_id"),
		PinS3SecretAccessKey:  getEnvOrKoanf("PIN_S3_SECRET_ACCESS_KEY", k, "pin_s3_secret_access_key"),
		CORSAllowedOrigins:    getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		RateLimitPerMinute:    rateLimit,
		MetricsEnabled:        getEnvBoolOrDefault("METRICS_ENABLED", k, "metrics_enabled", DefaultMetricsEnabled),
		TracingEnabled:        getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		OTLPEndpoint:          getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otel_exporter_otlp_endpoint"),
		TracingSampleRate:     sampleRate,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LedgerConfigured reports whether a ledger RPC endpoint is set.
func (c *Config) LedgerConfigured() bool {
	return c.LedgerRPCURL != ""
}

// PinataConfigured reports whether Pinata credentials are set.
func (c *Config) PinataConfigured() bool {
	return c.PinataJWT != "" || (c.PinataAPIKey != "" && c.PinataSecretKey != "")
}

// PinS3Configured reports whether any S3 pinning value is set.
func (c *Config) PinS3Configured() bool {
	return c.PinS3Bucket != "" || c.PinS3AccessKeyID != "" || c.PinS3SecretAccessKey != "" || c.PinS3Endpoint != ""
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			if envKey == "PORT" {
				return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
			}
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration ("15m", "24h") from env, then file, then default.
func getEnvDurationOrDefault(envKey string, koanfVal string, defaultVal time.Duration) (time.Duration, error) {
	raw := getEnvOrDefault(envKey, koanfVal, "")
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s %w (got %q)", envKey, ErrInvalidDuration, raw)
	}
	return d, nil
}

// getEnvBoolOrDefault accepts true/1/yes/on and false/0/no/off. Env wins over file.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// getEnvListOrKoanf splits a comma-separated env value, falling back to a YAML list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	var items []string
	if val := os.Getenv(envKey); val != "" {
		items = strings.Split(val, ",")
	} else {
		items = k.Strings(koanfKey)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrPortOutOfRange)
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	switch {
	case c.SessionSecret == "":
		errs = append(errs, ErrMissingSessionSecret)
	case len(c.SessionSecret) < MinSessionSecretLength:
		errs = append(errs, ErrShortSessionSecret)
	}
	if c.SessionSecretPrevious != "" && len(c.SessionSecretPrevious) < MinSessionSecretLength {
		errs = append(errs, fmt.Errorf("SESSION_SECRET_PREVIOUS: %w", ErrShortSessionSecret))
	}

	if c.AdminWallet != "" {
		if _, err := validate.WalletAddress(c.AdminWallet); err != nil {
			errs = append(errs, ErrInvalidAdminWallet)
		}
	}
	if c.LedgerContractAddress != "" {
		if _, err := validate.WalletAddress(c.LedgerContractAddress); err != nil {
			errs = append(errs, ErrInvalidContractAddress)
		}
		if c.LedgerRPCURL == "" {
			errs = append(errs, ErrMissingLedgerRPCURL)
		}
	}
	if c.LedgerRPCURL != "" {
		if _, err := url.ParseRequestURI(c.LedgerRPCURL); err != nil {
			errs = append(errs, fmt.Errorf("LEDGER_RPC_URL must be a valid URL: %w", err))
		}
	}

	// S3 pinning is optional. Only validate fields if any S3 value is set.
	if c.PinS3Configured() {
		if c.PinS3Bucket == "" {
			errs = append(errs, ErrMissingPinS3Bucket)
		}
		if c.PinS3AccessKeyID == "" {
			errs = append(errs, ErrMissingPinS3AccessKey)
		}
		if c.PinS3SecretAccessKey == "" {
			errs = append(errs, ErrMissingPinS3SecretKey)
		}
		if c.PinS3Endpoint == "" {
			errs = append(errs, ErrMissingPinS3Endpoint)
		}
	}

	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                        strconv.Itoa(c.Port),
		"env":                         c.Env,
		"database_url":                maskDatabaseURL(c.DatabaseURL),
		"redis_url":                   maskDatabaseURL(c.RedisURL),
		"session_secret":              maskSecret(c.SessionSecret),
		"session_secret_previous":     maskSecret(c.SessionSecretPrevious),
		"session_ttl":                 c.SessionTTL.String(),
		"nonce_ttl":                   c.NonceTTL.String(),
		"admin_wallet":                c.AdminWallet,
		"ledger_rpc_url":              maskURL(c.LedgerRPCURL),
		"ledger_contract_address":     c.LedgerContractAddress,
		"ledger_chain_id":             strconv.FormatInt(c.LedgerChainID, 10),
		"ledger_explorer_url":         c.LedgerExplorerURL,
		"pinata_jwt":                  maskSecret(c.PinataJWT),
		"pinata_api_key":              maskSecret(c.PinataAPIKey),
		"pinata_secret_key":           maskSecret(c.PinataSecretKey),
		"pinata_gateway_url":          c.PinataGatewayURL,
		"pin_s3_bucket":               c.PinS3Bucket,
		"pin_s3_endpoint":             c.PinS3Endpoint,
		"pin_s3_access_key_id":        maskSecret(c.PinS3AccessKeyID),
		"pin_s3_secret_access_key":    maskSecret(c.PinS3SecretAccessKey),
		"cors_allowed_origins":        strings.Join(c.CORSAllowedOrigins, ","),
		"rate_limit_per_minute":       strconv.Itoa(c.RateLimitPerMinute),
		"metrics_enabled":             strconv.FormatBool(c.MetricsEnabled),
		"tracing_enabled":             strconv.FormatBool(c.TracingEnabled),
		"otel_exporter_otlp_endpoint": c.OTLPEndpoint,
		"tracing_sample_rate":         strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL keeps scheme and host of an RPC URL and hides the path and query,
// where hosted providers embed their API keys.
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return maskSecret(s)
	}
	if u.Path == "" || u.Path == "/" {
		if u.RawQuery == "" && u.User == nil {
			return u.Scheme + "://" + u.Host
		}
	}
	return u.Scheme + "://" + u.Host + "/****"
}

// maskDatabaseURL masks the password in a database URL.
// Supports postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
