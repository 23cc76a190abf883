// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Store, Postgres, Kafka, Redis, Index, Query, Geo, Sweep,
// Schema, etc.).
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
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Index    IndexConfig    `yaml:"index"`
	Query    QueryConfig    `yaml:"query"`
	Geo      GeoConfig      `yaml:"geo"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Schema   SchemaConfig   `yaml:"schema"`
	Entities EntityConfig   `yaml:"entities"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StoreConfig selects and tunes the wide-column backing store.
type StoreConfig struct {
	Backend      string        `yaml:"backend"`
	DataDir      string        `yaml:"dataDir"`
	InMemory     bool          `yaml:"inMemory"`
	Table        string        `yaml:"table"`
	TombstoneTTL time.Duration `yaml:"tombstoneTTL"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	IndexUpdates  string `yaml:"indexUpdates"`
	SweepRequests string `yaml:"sweepRequests"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// IndexConfig controls index maintenance: write retries, fan-out and the
// scope metadata cache.
type IndexConfig struct {
	RetryAttempts     int           `yaml:"retryAttempts"`
	RetryInitialDelay time.Duration `yaml:"retryInitialDelay"`
	RetryMaxDelay     time.Duration `yaml:"retryMaxDelay"`
	WriteConcurrency  int           `yaml:"writeConcurrency"`
	MetadataCacheSize int           `yaml:"metadataCacheSize"`
	MetadataCacheTTL  time.Duration `yaml:"metadataCacheTTL"`
}

// QueryConfig controls page sizes and query timeouts.
type QueryConfig struct {
	DefaultLimit int           `yaml:"defaultLimit"`
	MaxLimit     int           `yaml:"maxLimit"`
	Timeout      time.Duration `yaml:"timeout"`
}

// GeoConfig bounds proximity search ring expansion.
type GeoConfig struct {
	MaxIterations int `yaml:"maxIterations"`
	MaxRing       int `yaml:"maxRing"`
}

// SweepConfig controls the stale entry sweeper.
type SweepConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	GracePeriod   time.Duration `yaml:"gracePeriod"`
	BatchSize     int           `yaml:"batchSize"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
}

// SchemaConfig lists the entity type handlers registered at startup.
type SchemaConfig struct {
	Types []TypeSchema `yaml:"types"`
}

// TypeSchema describes how one entity type's properties are indexed.
type TypeSchema struct {
	Name        string   `yaml:"name"`
	Collections []string `yaml:"collections"`
	Unique      []string `yaml:"unique"`
	FullText    []string `yaml:"fullText"`
	Locations   []string `yaml:"locations"`
	NotIndexed  []string `yaml:"notIndexed"`
}

// EntityConfig selects where query results are hydrated from: "snapshot"
// keeps snapshots in the backing store, "postgres" reads an external table.
type EntityConfig struct {
	Source string `yaml:"source"`
	Table  string `yaml:"table"`
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
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the index layer cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "badger", "postgres":
	default:
		return fmt.Errorf("store.backend must be badger or postgres, got %q", c.Store.Backend)
	}
	switch c.Entities.Source {
	case "snapshot", "postgres":
	default:
		return fmt.Errorf("entities.source must be snapshot or postgres, got %q", c.Entities.Source)
	}
	if c.Query.DefaultLimit <= 0 || c.Query.MaxLimit <= 0 {
		return fmt.Errorf("query limits must be positive")
	}
	if c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("query.defaultLimit %d exceeds query.maxLimit %d", c.Query.DefaultLimit, c.Query.MaxLimit)
	}
	seen := make(map[string]struct{}, len(c.Schema.Types))
	for _, t := range c.Schema.Types {
		if t.Name == "" {
			return fmt.Errorf("schema type without a name")
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("schema type %q declared twice", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// Default returns a Config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend:      "badger",
			DataDir:      "data/index",
			Table:        "index_columns",
			TombstoneTTL: 24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "entityindex",
			User:            "entityindex",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "entityindex-group",
			Topics: KafkaTopics{
				IndexUpdates:  "index-updates",
				SweepRequests: "sweep-requests",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Index: IndexConfig{
			RetryAttempts:     3,
			RetryInitialDelay: 50 * time.Millisecond,
			RetryMaxDelay:     2 * time.Second,
			WriteConcurrency:  8,
			MetadataCacheSize: 100,
			MetadataCacheTTL:  5 * time.Minute,
		},
		Query: QueryConfig{
			DefaultLimit: 10,
			MaxLimit:     1000,
			Timeout:      10 * time.Second,
		},
		Geo: GeoConfig{
			MaxIterations: 64,
			MaxRing:       3,
		},
		Sweep: SweepConfig{
			Enabled:       true,
			Interval:      5 * time.Minute,
			GracePeriod:   10 * time.Minute,
			BatchSize:     500,
			RatePerSecond: 200,
		},
		Entities: EntityConfig{
			Source: "snapshot",
			Table:  "entities",
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

// applyEnvOverrides reads EI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EI_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("EI_STORE_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("EI_ENTITIES_SOURCE"); v != "" {
		cfg.Entities.Source = v
	}
	if v := os.Getenv("EI_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("EI_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("EI_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("EI_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("EI_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("EI_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("EI_KAFKA_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = enabled
		}
	}
	if v := os.Getenv("EI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("EI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EI_QUERY_MAX_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			cfg.Query.MaxLimit = limit
		}
	}
	if v := os.Getenv("EI_SWEEP_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.GracePeriod = d
		}
	}
	if v := os.Getenv("EI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
