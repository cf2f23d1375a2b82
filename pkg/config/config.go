// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, LocalStore, Ledger, Redis, Kafka, Aggregation, Cache,
// Push, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	LocalStore  PostgresConfig    `yaml:"localStore"`
	Ledger      PostgresConfig    `yaml:"ledger"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Cache       CacheConfig       `yaml:"cache"`
	Push        PushConfig        `yaml:"push"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the dashboard service.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters. Both the local
// aggregate store and the legacy ledger are described by this struct; the
// ledger connection is opened read-only by convention.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters for the cache hierarchy.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	AggregateChanges string `yaml:"aggregateChanges"`
	JobStatus        string `yaml:"jobStatus"`
}

// AggregationConfig controls the aggregation engine's worker pool, chunk
// timeouts, and rollback batching.
type AggregationConfig struct {
	LineWorkers          int           `yaml:"lineWorkers"`
	ChunkTimeout         time.Duration `yaml:"chunkTimeout"`
	BufferReleaseEvery   int           `yaml:"bufferReleaseEvery"`
	RollbackBatchSize    int           `yaml:"rollbackBatchSize"`
	ForecastRefreshEvery time.Duration `yaml:"forecastRefreshEvery"`
	CacheSweepEvery      time.Duration `yaml:"cacheSweepEvery"`
}

// CacheConfig allows per-tier TTL overrides. Zero values fall back to the
// built-in tier defaults.
type CacheConfig struct {
	ForecastTTL time.Duration `yaml:"forecastTTL"`
	ActualsTTL  time.Duration `yaml:"actualsTTL"`
	BasicTTL    time.Duration `yaml:"basicTTL"`
	ConfigTTL   time.Duration `yaml:"configTTL"`
}

// PushConfig controls the websocket push service.
type PushConfig struct {
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	MaxFrameBytes int           `yaml:"maxFrameBytes"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		LocalStore: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "lineboard",
			User:            "lineboard",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Ledger: PostgresConfig{
			Host:            "localhost",
			Port:            5433,
			Database:        "ledger",
			User:            "ledger_ro",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "lineboard-dashboard",
			Topics: KafkaTopics{
				AggregateChanges: "aggregate-changes",
				JobStatus:        "aggregation-job-status",
			},
		},
		Aggregation: AggregationConfig{
			LineWorkers:          4,
			ChunkTimeout:         30 * time.Second,
			BufferReleaseEvery:   5,
			RollbackBatchSize:    5000,
			ForecastRefreshEvery: 15 * time.Minute,
			CacheSweepEvery:      time.Hour,
		},
		Push: PushConfig{
			WriteTimeout:  5 * time.Second,
			MaxFrameBytes: 64 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads LB_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LB_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LB_LOCAL_HOST"); v != "" {
		cfg.LocalStore.Host = v
	}
	if v := os.Getenv("LB_LOCAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.LocalStore.Port = port
		}
	}
	if v := os.Getenv("LB_LOCAL_DATABASE"); v != "" {
		cfg.LocalStore.Database = v
	}
	if v := os.Getenv("LB_LOCAL_USER"); v != "" {
		cfg.LocalStore.User = v
	}
	if v := os.Getenv("LB_LOCAL_PASSWORD"); v != "" {
		cfg.LocalStore.Password = v
	}
	if v := os.Getenv("LB_LEDGER_HOST"); v != "" {
		cfg.Ledger.Host = v
	}
	if v := os.Getenv("LB_LEDGER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Ledger.Port = port
		}
	}
	if v := os.Getenv("LB_LEDGER_DATABASE"); v != "" {
		cfg.Ledger.Database = v
	}
	if v := os.Getenv("LB_LEDGER_USER"); v != "" {
		cfg.Ledger.User = v
	}
	if v := os.Getenv("LB_LEDGER_PASSWORD"); v != "" {
		cfg.Ledger.Password = v
	}
	if v := os.Getenv("LB_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LB_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("LB_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("LB_AGGREGATION_LINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Aggregation.LineWorkers = n
		}
	}
	if v := os.Getenv("LB_AGGREGATION_CHUNK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregation.ChunkTimeout = d
		}
	}
	if v := os.Getenv("LB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LB_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LB_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.LocalStore.Host == c.Ledger.Host && c.LocalStore.Port == c.Ledger.Port &&
		c.LocalStore.Database == c.Ledger.Database {
		return fmt.Errorf("localStore and ledger must be distinct databases")
	}
	if c.Aggregation.LineWorkers < 1 {
		return fmt.Errorf("aggregation.lineWorkers must be at least 1")
	}
	if c.Aggregation.RollbackBatchSize < 1 {
		return fmt.Errorf("aggregation.rollbackBatchSize must be at least 1")
	}
	return nil
}
