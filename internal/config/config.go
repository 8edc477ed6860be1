// Package config reads daemon configuration from environment variables and
// validates it at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig
	SMTP      SMTPConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	TLS       TLSConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Spool     SpoolConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
}

// ServerConfig holds the listening endpoints and identity.
type ServerConfig struct {
	// Listen is the relay endpoints (typically port 25).
	Listen []string `validate:"min=1,dive,hostname_port"`
	// SubmissionListen is the client submission endpoints (typically 587).
	// Optional.
	SubmissionListen []string `validate:"dive,hostname_port"`
	// Hostname is used in the banner and EHLO reply.
	Hostname string `validate:"required,hostname"`
	// Product appears in the greeting banner.
	Product string
}

// SMTPConfig holds protocol limits and deadlines.
type SMTPConfig struct {
	MaxConnections      int           `validate:"gte=1"`
	MaxConnectionsPerIP int           `validate:"gte=0"`
	MaxMessageSize      int64         `validate:"gte=1"`
	MaxRecipients       int           `validate:"gte=1"`
	GreetingTimeout     time.Duration `validate:"gt=0"`
	CommandTimeout      time.Duration `validate:"gt=0"`
	DataTimeout         time.Duration `validate:"gt=0"`
	GlobalTimeout       time.Duration `validate:"gt=0"`
	ShutdownGrace       time.Duration `validate:"gt=0"`

	RequireAuthOnSubmission bool
	RequireTLSForAuth       bool
	AuthOnRelayPort         bool

	// MemoryBufferThreshold is the body size above which transactions spill
	// to disk.
	MemoryBufferThreshold int64 `validate:"gte=0"`
	TempDir               string
}

// RateLimitConfig holds the sliding-window limits checked at MAIL time.
type RateLimitConfig struct {
	IPPerWindow   int           `validate:"gte=1"`
	UserPerWindow int           `validate:"gte=1"`
	Window        time.Duration `validate:"gt=0"`
	SweepInterval time.Duration `validate:"gt=0"`
}

// AuthConfig holds the credential backend settings.
type AuthConfig struct {
	// CredentialsFile is a file of "username:bcrypt-hash" lines. Empty
	// disables AUTH.
	CredentialsFile string
}

// TLSConfig holds the STARTTLS certificate settings. Both empty disables
// STARTTLS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// QueueConfig holds queue store and scheduler configuration.
type QueueConfig struct {
	// Backend is "postgres" or "memory".
	Backend         string        `validate:"oneof=postgres memory"`
	Workers         int           `validate:"gte=0"`
	BatchSize       int           `validate:"gte=1"`
	PollInterval    time.Duration `validate:"gt=0"`
	LeaseDuration   time.Duration `validate:"gt=0"`
	DeliveryTimeout time.Duration `validate:"gt=0"`
	DrainTimeout    time.Duration `validate:"gt=0"`

	RetryBase   time.Duration `validate:"gt=0"`
	RetryMax    time.Duration `validate:"gt=0"`
	MaxAttempts int           `validate:"gte=1"`

	// Smarthost is the upstream relay for the delivery capability, as
	// host:port. Empty leaves the scheduler idle-loop ready but every
	// attempt temp-fails.
	Smarthost string

	// DefaultPriority is assigned to enqueued entries; smaller is higher.
	DefaultPriority int
}

// SpoolConfig holds body storage configuration.
type SpoolConfig struct {
	// Backend is "fs" or "s3".
	Backend string `validate:"oneof=fs s3"`
	Dir     string

	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3UseSSL          bool
}

// MetricsConfig holds the admin endpoint configuration.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `validate:"oneof=debug info warn error"`
	Format    string `validate:"oneof=json text"`
	Output    string
	AddSource bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:           getListEnv("SMTP_LISTEN", []string{"0.0.0.0:25"}),
			SubmissionListen: getListEnv("SMTP_SUBMISSION_LISTEN", nil),
			Hostname:         getEnv("SMTP_HOSTNAME", "localhost"),
			Product:          getEnv("SMTP_PRODUCT", "smtp-receiver"),
		},
		SMTP: SMTPConfig{
			MaxConnections:          getIntEnv("SMTP_MAX_CONNECTIONS", 100),
			MaxConnectionsPerIP:     getIntEnv("SMTP_MAX_CONNECTIONS_PER_IP", 10),
			MaxMessageSize:          getInt64Env("SMTP_MAX_MESSAGE_SIZE", 25*1024*1024),
			MaxRecipients:           getIntEnv("SMTP_MAX_RECIPIENTS", 100),
			GreetingTimeout:         getDurationEnv("SMTP_GREETING_TIMEOUT_S", 30*time.Second),
			CommandTimeout:          getDurationEnv("SMTP_COMMAND_TIMEOUT_S", 5*time.Minute),
			DataTimeout:             getDurationEnv("SMTP_DATA_TIMEOUT_S", 10*time.Minute),
			GlobalTimeout:           getDurationEnv("SMTP_GLOBAL_TIMEOUT_S", 30*time.Minute),
			ShutdownGrace:           getDurationEnv("SMTP_SHUTDOWN_GRACE_S", 30*time.Second),
			RequireAuthOnSubmission: getBoolEnv("SMTP_REQUIRE_AUTH_ON_SUBMISSION", true),
			RequireTLSForAuth:       getBoolEnv("SMTP_REQUIRE_TLS_FOR_AUTH", true),
			AuthOnRelayPort:         getBoolEnv("SMTP_AUTH_ON_RELAY_PORT", false),
			MemoryBufferThreshold:   getInt64Env("SMTP_MEMORY_BUFFER_THRESHOLD", 1<<20),
			TempDir:                 getEnv("SMTP_TEMP_DIR", ""),
		},
		RateLimit: RateLimitConfig{
			IPPerWindow:   getIntEnv("RATE_LIMIT_IP_PER_HOUR", 100),
			UserPerWindow: getIntEnv("RATE_LIMIT_USER_PER_HOUR", 1000),
			Window:        getDurationEnv("RATE_LIMIT_WINDOW_S", time.Hour),
			SweepInterval: getDurationEnv("RATE_LIMIT_SWEEP_S", 5*time.Minute),
		},
		Auth: AuthConfig{
			CredentialsFile: getEnv("AUTH_CREDENTIALS_FILE", ""),
		},
		TLS: TLSConfig{
			CertFile: getEnv("SMTP_TLS_CERT_FILE", ""),
			KeyFile:  getEnv("SMTP_TLS_KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "smtp_receiver"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Queue: QueueConfig{
			Backend:         getEnv("QUEUE_BACKEND", "postgres"),
			Workers:         getIntEnv("QUEUE_WORKERS", 0),
			BatchSize:       getIntEnv("QUEUE_BATCH_SIZE", 16),
			PollInterval:    getDurationEnv("QUEUE_POLL_INTERVAL_S", time.Second),
			LeaseDuration:   getDurationEnv("QUEUE_LEASE_S", 5*time.Minute),
			DeliveryTimeout: getDurationEnv("QUEUE_DELIVERY_TIMEOUT_S", time.Minute),
			DrainTimeout:    getDurationEnv("QUEUE_DRAIN_TIMEOUT_S", 30*time.Second),
			RetryBase:       getDurationEnv("RETRY_BASE_S", 5*time.Minute),
			RetryMax:        getDurationEnv("RETRY_MAX_S", 4*time.Hour),
			MaxAttempts:     getIntEnv("MAX_ATTEMPTS", 5),
			Smarthost:       getEnv("QUEUE_SMARTHOST", ""),
			DefaultPriority: getIntEnv("QUEUE_DEFAULT_PRIORITY", 100),
		},
		Spool: SpoolConfig{
			Backend:           getEnv("SPOOL_BACKEND", "fs"),
			Dir:               getEnv("SPOOL_DIR", "/var/spool/smtp-receiver"),
			S3Endpoint:        getEnv("SPOOL_S3_ENDPOINT", "localhost:9000"),
			S3Region:          getEnv("SPOOL_S3_REGION", "us-east-1"),
			S3AccessKeyID:     getEnv("SPOOL_S3_ACCESS_KEY_ID", ""),
			S3SecretAccessKey: getEnv("SPOOL_S3_SECRET_ACCESS_KEY", ""),
			S3Bucket:          getEnv("SPOOL_S3_BUCKET", "smtp-receiver-bodies"),
			S3UseSSL:          getBoolEnv("SPOOL_S3_USE_SSL", false),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("METRICS_ENABLED", true),
			Addr:    getEnv("METRICS_ADDR", "127.0.0.1:9215"),
		},
		Logging: LoggingConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			Output:    getEnv("LOG_OUTPUT", "stdout"),
			AddSource: getBoolEnv("LOG_ADD_SOURCE", false),
		},
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.SMTP.RequireTLSForAuth && c.Auth.CredentialsFile != "" && c.TLS.CertFile == "" {
		return fmt.Errorf("invalid configuration: AUTH requires TLS but no certificate is configured")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma-separated environment variable.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getDurationEnv reads a duration in seconds from the environment.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getIntEnv returns int from environment variable or default.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getInt64Env returns int64 from environment variable or default.
func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getBoolEnv returns bool from environment variable or default.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
