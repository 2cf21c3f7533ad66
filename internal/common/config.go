package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Lock     LockConfig     `yaml:"lock"`
	Bundle   BundleConfig   `yaml:"bundle"`
	Access   AccessConfig   `yaml:"access"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `yaml:"driver"` // "postgres" | "sqlite"
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	AutoMigrate      bool          `yaml:"auto_migrate"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	GRPCAddr       string `yaml:"grpc_addr"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// StorageConfig configures the document store buckets.
type StorageConfig struct {
	DocumentsURL   string        `yaml:"documents_url"` // file:///var/lib/exhibits/documents, gs://..., s3://..., mem://
	BundlesURL     string        `yaml:"bundles_url"`
	SigningBaseURL string        `yaml:"signing_base_url"` // only used by file:// buckets
	SigningSecret  string        `yaml:"signing_secret"`
	SignedURLTTL   time.Duration `yaml:"signed_url_ttl"`
}

// LockConfig selects the per-case ownership token backend.
type LockConfig struct {
	Backend       string        `yaml:"backend"` // "memory" | "redis"
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
}

// BundleConfig holds job orchestration settings.
type BundleConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	JobDeadline    time.Duration `yaml:"job_deadline"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	StorageRetries int           `yaml:"storage_retries"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	StampingMode   string        `yaml:"stamping_mode"` // "strict" | "lenient"
}

// AccessConfig points at the rego policy used for case access and plan gating.
type AccessConfig struct {
	PolicyFile string `yaml:"policy_file"`
	DataFile   string `yaml:"data_file"` // grants, admins, plans
}

// LogConfig holds logging configuration
type LogConfig struct {
	Format string `yaml:"format"` // "text" | "json"
	Level  string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
			AutoMigrate:     true,
		},
		Server: ServerConfig{
			HTTPAddr:       ":8080",
			GRPCAddr:       ":8081",
			MetricsEnabled: true,
		},
		Storage: StorageConfig{
			DocumentsURL: "file://./data/documents",
			BundlesURL:   "file://./data/bundles",
			SignedURLTTL: 15 * time.Minute,
		},
		Lock: LockConfig{
			Backend:     "memory",
			TTL:         30 * time.Second,
			WaitTimeout: 10 * time.Second,
		},
		Bundle: BundleConfig{
			Workers:        4,
			QueueSize:      256,
			JobDeadline:    10 * time.Minute,
			MaxAttempts:    5,
			RetryBaseDelay: 2 * time.Second,
			RetryMaxDelay:  2 * time.Minute,
			StorageRetries: 4,
			ReapInterval:   30 * time.Second,
			StampingMode:   string(constants.StampingStrict),
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// LoadConfig loads defaults, then the YAML file named by CONFIG_FILE (if any),
// then environment variable overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewAppError("CONFIG_ERROR", "read config file "+path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return NewAppError("CONFIG_ERROR", "parse config file "+path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout)
	c.Database.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", c.Database.StatementTimeout)
	c.Database.AutoMigrate = getEnvAsBool("DB_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.MetricsEnabled = getEnvAsBool("METRICS_ENABLED", c.Server.MetricsEnabled)

	c.Storage.DocumentsURL = getEnv("DOCUMENTS_BUCKET_URL", c.Storage.DocumentsURL)
	c.Storage.BundlesURL = getEnv("BUNDLES_BUCKET_URL", c.Storage.BundlesURL)
	c.Storage.SigningBaseURL = getEnv("SIGNING_BASE_URL", c.Storage.SigningBaseURL)
	c.Storage.SigningSecret = getEnv("SIGNING_SECRET", c.Storage.SigningSecret)
	c.Storage.SignedURLTTL = getEnvAsDuration("SIGNED_URL_TTL", c.Storage.SignedURLTTL)

	c.Lock.Backend = getEnv("LOCK_BACKEND", c.Lock.Backend)
	c.Lock.RedisAddr = getEnv("REDIS_ADDR", c.Lock.RedisAddr)
	c.Lock.RedisPassword = getEnv("REDIS_PASSWORD", c.Lock.RedisPassword)
	c.Lock.RedisDB = getEnvAsInt("REDIS_DB", c.Lock.RedisDB)
	c.Lock.TTL = getEnvAsDuration("LOCK_TTL", c.Lock.TTL)
	c.Lock.WaitTimeout = getEnvAsDuration("LOCK_WAIT_TIMEOUT", c.Lock.WaitTimeout)

	c.Bundle.Workers = getEnvAsInt("BUNDLE_WORKERS", c.Bundle.Workers)
	c.Bundle.QueueSize = getEnvAsInt("BUNDLE_QUEUE_SIZE", c.Bundle.QueueSize)
	c.Bundle.JobDeadline = getEnvAsDuration("BUNDLE_JOB_DEADLINE", c.Bundle.JobDeadline)
	c.Bundle.MaxAttempts = getEnvAsInt("BUNDLE_MAX_ATTEMPTS", c.Bundle.MaxAttempts)
	c.Bundle.RetryBaseDelay = getEnvAsDuration("BUNDLE_RETRY_BASE_DELAY", c.Bundle.RetryBaseDelay)
	c.Bundle.RetryMaxDelay = getEnvAsDuration("BUNDLE_RETRY_MAX_DELAY", c.Bundle.RetryMaxDelay)
	c.Bundle.StorageRetries = getEnvAsInt("BUNDLE_STORAGE_RETRIES", c.Bundle.StorageRetries)
	c.Bundle.ReapInterval = getEnvAsDuration("BUNDLE_REAP_INTERVAL", c.Bundle.ReapInterval)
	c.Bundle.StampingMode = getEnv("STAMPING_MODE", c.Bundle.StampingMode)

	c.Access.PolicyFile = getEnv("ACCESS_POLICY_FILE", c.Access.PolicyFile)
	c.Access.DataFile = getEnv("ACCESS_DATA_FILE", c.Access.DataFile)

	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown DB_DRIVER %q", c.Database.Driver), ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Storage.DocumentsURL == "" || c.Storage.BundlesURL == "" {
		return NewAppError("CONFIG_ERROR", "DOCUMENTS_BUCKET_URL and BUNDLES_BUCKET_URL are required", ErrInvalidInput)
	}
	if c.Lock.Backend == "redis" && c.Lock.RedisAddr == "" {
		return NewAppError("CONFIG_ERROR", "REDIS_ADDR is required for the redis lock backend", ErrInvalidInput)
	}
	switch constants.StampingMode(strings.ToLower(c.Bundle.StampingMode)) {
	case constants.StampingStrict, constants.StampingLenient:
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown STAMPING_MODE %q", c.Bundle.StampingMode), ErrInvalidInput)
	}
	if c.Bundle.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "BUNDLE_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	return nil
}
