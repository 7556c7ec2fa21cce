package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default SQLite database path.
	DefaultSQLitePath = "./teststudio.db"

	// DefaultQueueDriver is the default work queue driver.
	DefaultQueueDriver = "memory"

	// DefaultMaxReceives is how many deliveries a message gets before
	// it is routed to the dead-letter queue.
	DefaultMaxReceives = 3

	// DefaultRedeliverAfter is the memory queue visibility timeout.
	DefaultRedeliverAfter = "30s"

	// DefaultCopyConcurrency bounds parallel S3 copy operations during
	// file replication.
	DefaultCopyConcurrency = 20

	// DefaultTrackingTable is the run tracking table name advertised
	// to downstream collaborators in the work order.
	DefaultTrackingTable = "test_runs"
)

// Config is the root configuration for teststudio.
type Config struct {
	Global   GlobalConfig   `yaml:"global"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
	TestSets []TestSetSeed  `yaml:"test_sets,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Public     RateLimitTier `yaml:"public,omitempty"`
	Submission RateLimitTier `yaml:"submission,omitempty"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// QueueConfig contains work queue settings. The memory driver keeps
// the queue in-process (the API server hosts the worker); the sqs
// driver targets AWS SQS with a real dead-letter queue.
type QueueConfig struct {
	Driver         string         `yaml:"driver"`
	MaxReceives    int            `yaml:"max_receives,omitempty"`
	RedeliverAfter string         `yaml:"redeliver_after,omitempty"`
	SQS            SQSQueueConfig `yaml:"sqs,omitempty"`
}

// SQSQueueConfig contains AWS SQS connection settings.
type SQSQueueConfig struct {
	QueueURL           string `yaml:"queue_url"`
	DeadLetterQueueURL string `yaml:"dead_letter_queue_url,omitempty"`
	Region             string `yaml:"region,omitempty"`
	EndpointURL        string `yaml:"endpoint_url,omitempty"`
	AccessKeyID        string `yaml:"access_key_id,omitempty"`
	SecretAccessKey    string `yaml:"secret_access_key,omitempty"`
	WaitTime           string `yaml:"wait_time,omitempty"`
}

// StorageConfig contains the S3 buckets that file replication works
// against, plus the tracking table name advertised to the downstream
// document pipeline in the work order.
type StorageConfig struct {
	S3             S3Config `yaml:"s3"`
	InputBucket    string   `yaml:"input_bucket"`
	BaselineBucket string   `yaml:"baseline_bucket"`
	TrackingTable  string   `yaml:"tracking_table,omitempty"`
}

// S3Config contains S3 client settings shared by both buckets.
type S3Config struct {
	Region          string `yaml:"region,omitempty"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style,omitempty"`
}

// WorkerConfig contains execution worker settings.
type WorkerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CopyConcurrency int    `yaml:"copy_concurrency,omitempty"`
	StaleAfter      string `yaml:"stale_after,omitempty"`
	SweepInterval   string `yaml:"sweep_interval,omitempty"`
}

// TestSetSeed defines a built-in test set seeded at startup.
type TestSetSeed struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	FilePattern string `yaml:"file_pattern"`
	Description string `yaml:"description,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults sets default values for unspecified configuration options.
func (c *Config) ApplyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = DefaultQueueDriver
	}

	if c.Queue.MaxReceives <= 0 {
		c.Queue.MaxReceives = DefaultMaxReceives
	}

	if c.Queue.RedeliverAfter == "" {
		c.Queue.RedeliverAfter = DefaultRedeliverAfter
	}

	if c.Storage.TrackingTable == "" {
		c.Storage.TrackingTable = DefaultTrackingTable
	}

	if c.Worker.CopyConcurrency <= 0 {
		c.Worker.CopyConcurrency = DefaultCopyConcurrency
	}

	// The memory queue only exists in-process, so the worker must run
	// inside the API server.
	if c.Queue.Driver == "memory" {
		c.Worker.Enabled = true
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "sqs":
		if c.Queue.SQS.QueueURL == "" {
			return fmt.Errorf("queue.sqs.queue_url is required")
		}
	default:
		return fmt.Errorf("unsupported queue driver: %s", c.Queue.Driver)
	}

	if _, err := time.ParseDuration(c.Queue.RedeliverAfter); err != nil {
		return fmt.Errorf("parsing queue.redeliver_after: %w", err)
	}

	if c.Storage.InputBucket == "" {
		return fmt.Errorf("storage.input_bucket is required")
	}

	if c.Storage.BaselineBucket == "" {
		return fmt.Errorf("storage.baseline_bucket is required")
	}

	if c.Worker.StaleAfter != "" {
		if _, err := time.ParseDuration(c.Worker.StaleAfter); err != nil {
			return fmt.Errorf("parsing worker.stale_after: %w", err)
		}
	}

	if c.Worker.SweepInterval != "" {
		if _, err := time.ParseDuration(c.Worker.SweepInterval); err != nil {
			return fmt.Errorf("parsing worker.sweep_interval: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.TestSets))

	for i, ts := range c.TestSets {
		if ts.ID == "" {
			return fmt.Errorf("test_sets[%d]: id is required", i)
		}

		if _, exists := seen[ts.ID]; exists {
			return fmt.Errorf("test_sets[%d]: duplicate id %q", i, ts.ID)
		}

		seen[ts.ID] = struct{}{}

		if ts.Name == "" {
			return fmt.Errorf("test set %q: name is required", ts.ID)
		}

		if ts.FilePattern == "" {
			return fmt.Errorf("test set %q: file_pattern is required", ts.ID)
		}
	}

	return nil
}
