// Package config provides configuration for the application
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// MaxBlockCeiling is the hard upper bound on a blocking read. The configured
// value is clamped to it and callers of Poll cannot raise it either: this
// bounds worst-case shutdown latency regardless of misconfiguration.
const MaxBlockCeiling = 30 * time.Second

// ModeProduction enables fail-closed behavior: without a signing key the
// service refuses to start, and unsigned messages are always rejected.
const ModeProduction = "production"

// Config holds all configuration for the application.
// It is injected into every constructor; there are no package-level
// registries of stream or group names.
type Config struct {
	Service    ServiceConfig
	Store      StoreConfig
	Stream     StreamConfig
	Signing    SigningConfig
	Producer   ProducerConfig
	Consumer   ConsumerConfig
	Recovery   RecoveryConfig
	DeadLetter DeadLetterConfig
	Retry      RetryConfig
	Logging    LoggingConfig
	Obs        ObsConfig
}

// ServiceConfig holds service identity settings.
type ServiceConfig struct {
	Name string
	Mode string
}

// StoreConfig holds log store connection settings.
type StoreConfig struct {
	Addr     string
	Password string
	DB       int
}

// StreamConfig names the stream this process produces to and consumes from,
// and the retention cap applied on append.
type StreamConfig struct {
	Name     string
	Group    string
	Consumer string
	MaxLen   int64
}

// SigningConfig holds the shared integrity key. An empty key means
// signing-optional mode (rejected outright in production mode).
type SigningConfig struct {
	Key string
}

// ProducerConfig holds batching settings.
type ProducerConfig struct {
	MaxBatchSize int
	MaxWait      time.Duration
	MaxQueueSize int
}

// ConsumerConfig holds reader and dispatch settings.
type ConsumerConfig struct {
	MaxBlock    time.Duration
	ReadCount   int64
	QueueSize   int
	WorkerCount int
}

// RecoveryConfig holds the orphan sweep settings.
type RecoveryConfig struct {
	IdleThreshold       time.Duration
	MaxDeliveryAttempts int64
	Interval            time.Duration
	ScanCount           int64
}

// DeadLetterConfig bounds the dead-letter log and its replay scan.
type DeadLetterConfig struct {
	Stream           string
	MaxEntries       int64
	MaxAge           time.Duration
	FallbackPath     string
	FallbackMaxBytes int64
	MaxScanPages     int
	PageSize         int64
}

// RetryConfig holds retry behavior settings for transient store errors.
type RetryConfig struct {
	MaxAttempts int
	BaseDelayMs time.Duration
	MaxDelayMs  time.Duration
	Multiplier  float64
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string
}

// ObsConfig holds observability settings.
type ObsConfig struct {
	MetricsPort string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (optional)
	godotenv.Load()

	cfg := &Config{}

	cfg.Service.Name = getEnv("SERVICE_NAME", "streambus")
	cfg.Service.Mode = getEnv("STREAMBUS_MODE", "development")

	// Store configuration
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	cfg.Store.Addr = addr
	cfg.Store.Password = os.Getenv("REDIS_PASSWORD")
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.Store.DB = db

	// Stream configuration
	stream := os.Getenv("STREAM_NAME")
	if stream == "" {
		return nil, fmt.Errorf("STREAM_NAME is required")
	}
	cfg.Stream.Name = stream
	cfg.Stream.Group = getEnv("STREAM_GROUP", cfg.Service.Name)
	cfg.Stream.Consumer = getEnv("STREAM_CONSUMER", defaultConsumerName(cfg.Service.Name))
	maxLen, err := getEnvInt64("STREAM_MAX_LEN", 100_000)
	if err != nil {
		return nil, err
	}
	cfg.Stream.MaxLen = maxLen

	cfg.Signing.Key = os.Getenv("SIGNING_KEY")

	// Producer configuration
	if cfg.Producer.MaxBatchSize, err = getEnvInt("MAX_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.Producer.MaxWait, err = getEnvMillis("MAX_WAIT_MS", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Producer.MaxQueueSize, err = getEnvInt("MAX_QUEUE_SIZE", 10_000); err != nil {
		return nil, err
	}

	// Consumer configuration
	if cfg.Consumer.MaxBlock, err = getEnvMillis("MAX_BLOCK_MS", 5000*time.Millisecond); err != nil {
		return nil, err
	}
	// The ceiling is not overridable upward.
	if cfg.Consumer.MaxBlock > MaxBlockCeiling {
		cfg.Consumer.MaxBlock = MaxBlockCeiling
	}
	readCount, err := getEnvInt64("READ_COUNT", 64)
	if err != nil {
		return nil, err
	}
	cfg.Consumer.ReadCount = readCount
	if cfg.Consumer.QueueSize, err = getEnvInt("QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.Consumer.WorkerCount, err = getEnvInt("WORKER_COUNT", 8); err != nil {
		return nil, err
	}

	// Recovery configuration
	if cfg.Recovery.IdleThreshold, err = getEnvMillis("IDLE_THRESHOLD_MS", 60_000*time.Millisecond); err != nil {
		return nil, err
	}
	maxAttempts, err := getEnvInt64("MAX_DELIVERY_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	cfg.Recovery.MaxDeliveryAttempts = maxAttempts
	if cfg.Recovery.Interval, err = getEnvMillis("RECOVERY_INTERVAL_MS", 30_000*time.Millisecond); err != nil {
		return nil, err
	}
	scanCount, err := getEnvInt64("RECOVERY_SCAN_COUNT", 256)
	if err != nil {
		return nil, err
	}
	cfg.Recovery.ScanCount = scanCount

	// Dead-letter configuration
	cfg.DeadLetter.Stream = getEnv("DEAD_LETTER_STREAM", stream+":dead-letter")
	if cfg.DeadLetter.MaxEntries, err = getEnvInt64("DEAD_LETTER_MAX_ENTRIES", 10_000); err != nil {
		return nil, err
	}
	if cfg.DeadLetter.MaxAge, err = getEnvMillis("DEAD_LETTER_MAX_AGE_MS", 7*24*time.Hour); err != nil {
		return nil, err
	}
	cfg.DeadLetter.FallbackPath = getEnv("DEAD_LETTER_FALLBACK_PATH", "dead-letter-fallback.jsonl")
	if cfg.DeadLetter.FallbackMaxBytes, err = getEnvInt64("DEAD_LETTER_FALLBACK_MAX_BYTES", 16<<20); err != nil {
		return nil, err
	}
	if cfg.DeadLetter.MaxScanPages, err = getEnvInt("DEAD_LETTER_MAX_SCAN_PAGES", 20); err != nil {
		return nil, err
	}
	if cfg.DeadLetter.PageSize, err = getEnvInt64("DEAD_LETTER_PAGE_SIZE", 128); err != nil {
		return nil, err
	}

	// Retry configuration
	if cfg.Retry.MaxAttempts, err = getEnvInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Retry.BaseDelayMs, err = getEnvMillis("RETRY_BASE_DELAY_MS", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxDelayMs, err = getEnvMillis("RETRY_MAX_DELAY_MS", 5000*time.Millisecond); err != nil {
		return nil, err
	}
	cfg.Retry.Multiplier = 2.0
	if v := os.Getenv("RETRY_MULTIPLIER"); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("RETRY_MULTIPLIER must be a number: %w", err)
		}
		cfg.Retry.Multiplier = m
	}

	cfg.Logging.Level = getEnv("LOG_LEVEL", "info")
	cfg.Obs.MetricsPort = getEnv("METRICS_PORT", "9090")

	return cfg, nil
}

// IsProduction reports whether the service runs in fail-closed mode.
func (c *Config) IsProduction() bool {
	return c.Service.Mode == ModeProduction
}

func defaultConsumerName(service string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return service + "-consumer"
	}
	return service + "-" + host
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

// getEnvMillis reads a millisecond count from the environment.
func getEnvMillis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer of milliseconds", key)
	}
	return time.Duration(n) * time.Millisecond, nil
}
