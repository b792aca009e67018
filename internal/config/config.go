// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ashita-ai/unso/internal/job"
	"github.com/ashita-ai/unso/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage. With DatabaseURL empty the authority runs on an embedded
	// SQLite file at SQLitePath.
	DatabaseURL string // Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY; empty disables cross-instance notices.
	SQLitePath  string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap.
	AdminAPIKey string // API key for the initial admin agent.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Job thresholds applied at accept time.
	DeliveryWindow     time.Duration
	MaxDeliveryWindow  time.Duration
	TransferWindow     time.Duration
	ExcursionThreshold time.Duration
	StationaryLimit    time.Duration
	DamageCooldown     time.Duration
	RestCooldown       time.Duration
	RestRestore        int
	RejectionThreshold int
	DamageSeed         int // 0 seeds from the clock.

	// Supervisor settings.
	Backlog    int
	RetryBase  time.Duration
	RetryMax   time.Duration
	IngestWait time.Duration // How long a report request waits for its outcome before answering "queued".

	// Operational settings.
	LogLevel            string
	AuditBufferSize     int
	AuditFlushInterval  time.Duration
	RateLimitRPS        float64
	RateLimitBurst      int
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
	MCPEnabled          bool
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:               num("UNSO_PORT", 8080),
		ReadTimeout:        dur("UNSO_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:       dur("UNSO_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:        str("DATABASE_URL", ""),
		NotifyURL:          str("NOTIFY_URL", ""),
		SQLitePath:         str("UNSO_SQLITE_PATH", "unso.db"),
		JWTPrivateKeyPath:  str("UNSO_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:   str("UNSO_JWT_PUBLIC_KEY", ""),
		JWTExpiration:      dur("UNSO_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:        str("UNSO_ADMIN_API_KEY", ""),
		OTELEndpoint:       str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:       flag("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:        str("OTEL_SERVICE_NAME", "unso"),
		DeliveryWindow:     dur("UNSO_DELIVERY_WINDOW", job.DefaultDeliveryWindow),
		MaxDeliveryWindow:  dur("UNSO_MAX_DELIVERY_WINDOW", 24*time.Hour),
		TransferWindow:     dur("UNSO_TRANSFER_WINDOW", job.DefaultTransferWindow),
		ExcursionThreshold: dur("UNSO_EXCURSION_THRESHOLD", job.DefaultExcursionThreshold),
		StationaryLimit:    dur("UNSO_STATIONARY_LIMIT", job.DefaultStationaryLimit),
		DamageCooldown:     dur("UNSO_DAMAGE_COOLDOWN", job.DefaultDamageCooldown),
		RestCooldown:       dur("UNSO_REST_COOLDOWN", job.DefaultRestCooldown),
		RestRestore:        num("UNSO_REST_RESTORE", job.DefaultRestRestore),
		RejectionThreshold: num("UNSO_REJECTION_THRESHOLD", job.DefaultRejectionThreshold),
		DamageSeed:         num("UNSO_DAMAGE_SEED", 0),
		Backlog:            num("UNSO_BACKLOG", 256),
		RetryBase:          dur("UNSO_RETRY_BASE", 100*time.Millisecond),
		RetryMax:           dur("UNSO_RETRY_MAX", 5*time.Second),
		IngestWait:         dur("UNSO_INGEST_WAIT", 2*time.Second),
		LogLevel:           str("UNSO_LOG_LEVEL", "info"),
		AuditBufferSize:    num("UNSO_AUDIT_BUFFER_SIZE", 500),
		AuditFlushInterval: dur("UNSO_AUDIT_FLUSH_INTERVAL", time.Second),
		RateLimitBurst:     num("UNSO_RATE_LIMIT_BURST", 40),
		MCPEnabled:         flag("UNSO_MCP_ENABLED", true),
	}
	rps, err := envFloat("UNSO_RATE_LIMIT_RPS", 20)
	errs = append(errs, err)
	cfg.RateLimitRPS = rps
	cfg.MaxRequestBodyBytes = int64(num("UNSO_MAX_REQUEST_BODY_BYTES", 64*1024))

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Terms returns the thresholds new jobs are accepted with. Cargo fields are
// filled from the accept request.
func (c Config) Terms() model.JobTerms {
	return model.JobTerms{
		Cargo:              model.CargoStandard,
		DeliveryWindow:     c.DeliveryWindow,
		TransferWindow:     c.TransferWindow,
		ExcursionThreshold: c.ExcursionThreshold,
		StationaryLimit:    c.StationaryLimit,
		DamageCooldown:     c.DamageCooldown,
		RestCooldown:       c.RestCooldown,
		RestRestore:        c.RestRestore,
		RejectionThreshold: c.RejectionThreshold,
	}
}

// UsesPostgres reports whether DATABASE_URL selects the Postgres store.
func (c Config) UsesPostgres() bool { return c.DatabaseURL != "" }

// Validate checks that configuration values are usable together.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: UNSO_PORT must be between 1 and 65535")
	}
	if !c.UsesPostgres() && c.SQLitePath == "" {
		return fmt.Errorf("config: UNSO_SQLITE_PATH is required when DATABASE_URL is unset")
	}
	if c.DeliveryWindow > c.MaxDeliveryWindow {
		return fmt.Errorf("config: UNSO_DELIVERY_WINDOW exceeds UNSO_MAX_DELIVERY_WINDOW")
	}
	if err := job.ValidateTerms(c.Terms()); err != nil {
		return fmt.Errorf("config: job thresholds: %w", err)
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("config: UNSO_BACKLOG must be positive")
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("config: UNSO_RETRY_BASE must be positive and not above UNSO_RETRY_MAX")
	}
	if c.IngestWait < 0 {
		return fmt.Errorf("config: UNSO_INGEST_WAIT must not be negative")
	}
	if c.AuditBufferSize <= 0 {
		return fmt.Errorf("config: UNSO_AUDIT_BUFFER_SIZE must be positive")
	}
	if c.AuditFlushInterval <= 0 {
		return fmt.Errorf("config: UNSO_AUDIT_FLUSH_INTERVAL must be positive")
	}
	if c.DamageSeed < 0 {
		return fmt.Errorf("config: UNSO_DAMAGE_SEED must not be negative")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: UNSO_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
