// Package config provides configuration management for the Alexander uploads server.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Identity IdentityConfig `mapstructure:"identity"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection settings.
// Supports both PostgreSQL and SQLite backends.
type DatabaseConfig struct {
	// Driver specifies the database driver: "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`

	// PostgreSQL settings (used when Driver is "postgres")
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite settings (used when Driver is "sqlite")
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	CacheSize       int    `mapstructure:"cache_size"`       // Page cache size (negative = KB)
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF
}

// DSN returns the PostgreSQL connection string.
// Only valid when Driver is "postgres".
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsEmbedded returns true if using an embedded database (SQLite).
func (c DatabaseConfig) IsEmbedded() bool {
	return c.Driver == "sqlite"
}

// RedisConfig holds Redis connection settings.
// When enabled, Redis backs the task locks, the concurrency guard and the
// dedup lookup cache so several server instances can share them.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	// Backend is "s3" or "memory".
	Backend string `mapstructure:"backend"`

	// Bucket receives every composed object and its parts.
	Bucket string `mapstructure:"bucket"`

	// PartPrefix is the key prefix under which chunk parts are written.
	PartPrefix string `mapstructure:"part_prefix"`

	// CleanupWorkers bounds concurrent part deletions.
	CleanupWorkers int `mapstructure:"cleanup_workers"`

	S3 S3StorageConfig `mapstructure:"s3"`
}

// S3StorageConfig holds S3 backend settings.
type S3StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// UploadConfig holds the default validation policy for chunked uploads.
type UploadConfig struct {
	MinChunkSize         int64         `mapstructure:"min_chunk_size"`
	MaxChunkSize         int64         `mapstructure:"max_chunk_size"`
	MaxChunks            int           `mapstructure:"max_chunks"`
	MaxFileSize          int64         `mapstructure:"max_file_size"`
	AllowedExtensions    []string      `mapstructure:"allowed_extensions"`
	MaxConcurrentUploads int           `mapstructure:"max_concurrent_uploads"`
	TaskTTL              time.Duration `mapstructure:"task_ttl"`
	PartURLTTL           time.Duration `mapstructure:"part_url_ttl"`
	DownloadURLTTL       time.Duration `mapstructure:"download_url_ttl"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`

	// Overrides replaces selected limits for a business type.
	Overrides map[string]UploadOverride `mapstructure:"overrides"`
}

// UploadOverride holds per-business-type limits. Zero values inherit.
type UploadOverride struct {
	MaxFileSize          int64    `mapstructure:"max_file_size"`
	AllowedExtensions    []string `mapstructure:"allowed_extensions"`
	MaxConcurrentUploads int      `mapstructure:"max_concurrent_uploads"`
}

// IdentityConfig selects how the HTTP layer resolves the calling owner.
type IdentityConfig struct {
	// Mode is "header" or "jwt".
	Mode string `mapstructure:"mode"`

	// Header carries the owner id in header mode.
	Header string `mapstructure:"header"`

	// JWTSecret verifies HS256 bearer tokens in jwt mode.
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTIssuer, when set, must match the token issuer.
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// EventsConfig holds settings for upload lifecycle notifications.
type EventsConfig struct {
	// Enabled turns on publishing to SQS.
	Enabled bool `mapstructure:"enabled"`

	// QueueURL is the SQS queue receiving events.
	QueueURL string `mapstructure:"queue_url"`

	// Endpoint overrides the SQS endpoint (for local stacks).
	Endpoint string `mapstructure:"endpoint"`

	Region string `mapstructure:"region"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Port is the port for the metrics HTTP server.
	Port int `mapstructure:"port"`

	// Path is the URL path for the metrics endpoint.
	Path string `mapstructure:"path"`
}

// SweeperConfig holds expiry sweeper settings.
type SweeperConfig struct {
	// Enabled determines if the sweeper runs automatically.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to sweep.
	Interval time.Duration `mapstructure:"interval"`

	// BatchSize is the maximum number of tasks to process per phase per run.
	BatchSize int `mapstructure:"batch_size"`

	// Retention is how long terminal tasks are kept before being purged.
	// Zero disables purging.
	Retention time.Duration `mapstructure:"retention"`

	// DryRun logs what would be changed without changing anything.
	DryRun bool `mapstructure:"dry_run"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with ALEXANDER_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ALEXANDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/alexander")
	}

	// Read config file (optional - environment variables can be used instead)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_size", 4*1024*1024) // JSON only

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "alexander")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "alexander")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	// SQLite defaults
	v.SetDefault("database.path", "./data/uploads.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.cache_size", -2000)
	v.SetDefault("database.synchronous_mode", "NORMAL")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)

	// Storage defaults
	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.bucket", "uploads")
	v.SetDefault("storage.part_prefix", "parts")
	v.SetDefault("storage.cleanup_workers", 8)
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_path_style", false)

	// Upload policy defaults
	v.SetDefault("upload.min_chunk_size", 5*1024*1024)      // 5MB
	v.SetDefault("upload.max_chunk_size", 5*1024*1024*1024) // 5GB
	v.SetDefault("upload.max_chunks", 10000)
	v.SetDefault("upload.max_file_size", 50*1024*1024*1024) // 50GB
	v.SetDefault("upload.allowed_extensions", []string{})
	v.SetDefault("upload.max_concurrent_uploads", 5)
	v.SetDefault("upload.task_ttl", 24*time.Hour)
	v.SetDefault("upload.part_url_ttl", 1*time.Hour)
	v.SetDefault("upload.download_url_ttl", 15*time.Minute)
	v.SetDefault("upload.lock_ttl", 2*time.Minute)

	// Identity defaults
	v.SetDefault("identity.mode", "header")
	v.SetDefault("identity.header", "X-User-ID")

	// Events defaults
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.region", "us-east-1")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("metrics.path", "/metrics")

	// Sweeper defaults
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", 5*time.Minute)
	v.SetDefault("sweeper.batch_size", 500)
	v.SetDefault("sweeper.retention", 7*24*time.Hour)
	v.SetDefault("sweeper.dry_run", false)
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	validDrivers := map[string]bool{"postgres": true, "sqlite": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite'")
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for postgres driver")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required for postgres driver")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres driver")
		}
	} else if c.Database.Path == "" {
		return fmt.Errorf("database.path is required for sqlite driver")
	}

	switch c.Storage.Backend {
	case "s3", "memory":
	default:
		return fmt.Errorf("storage.backend must be 's3' or 'memory'")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}

	if err := c.Upload.validate(); err != nil {
		return err
	}

	switch c.Identity.Mode {
	case "header":
		if c.Identity.Header == "" {
			return fmt.Errorf("identity.header is required for header mode")
		}
	case "jwt":
		if c.Identity.JWTSecret == "" {
			return fmt.Errorf("identity.jwt_secret is required for jwt mode")
		}
	default:
		return fmt.Errorf("identity.mode must be 'header' or 'jwt'")
	}

	if c.Events.Enabled && c.Events.QueueURL == "" {
		return fmt.Errorf("events.queue_url is required when events are enabled")
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

func (u UploadConfig) validate() error {
	if u.MinChunkSize <= 0 {
		return fmt.Errorf("upload.min_chunk_size must be positive")
	}
	if u.MaxChunkSize < u.MinChunkSize {
		return fmt.Errorf("upload.max_chunk_size must be >= upload.min_chunk_size")
	}
	if u.MaxChunks < 1 || u.MaxChunks > 10000 {
		return fmt.Errorf("upload.max_chunks must be between 1 and 10000")
	}
	if u.TaskTTL <= 0 || u.PartURLTTL <= 0 || u.DownloadURLTTL <= 0 {
		return fmt.Errorf("upload.task_ttl, upload.part_url_ttl and upload.download_url_ttl must be positive")
	}
	if u.LockTTL <= 0 {
		return fmt.Errorf("upload.lock_ttl must be positive")
	}
	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
