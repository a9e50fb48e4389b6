// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Registry, Cache, Dispatch,
// Ranking, Sync, etc.).
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
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Registry RegistryConfig `yaml:"registry"`
	Cache    CacheConfig    `yaml:"cache"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Ranking  RankingConfig  `yaml:"ranking"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the health endpoints.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
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
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ChatEvents string `yaml:"chatEvents"`
	DeadLetter string `yaml:"deadLetter"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// RegistryConfig bounds the in-memory subscription registry.
type RegistryConfig struct {
	MaxPerUser     int           `yaml:"maxPerUser"`
	MaxPerInstance int           `yaml:"maxPerInstance"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	UserBuckets    int           `yaml:"userBuckets"`
	MinKeywordLen  int           `yaml:"minKeywordLen"`
	MaxKeywordLen  int           `yaml:"maxKeywordLen"`
}

// CacheConfig holds per-category result cache TTLs.
type CacheConfig struct {
	GlobalTTL       time.Duration `yaml:"globalTTL"`
	ConversationTTL time.Duration `yaml:"conversationTTL"`
	ContactTTL      time.Duration `yaml:"contactTTL"`
	MediaTTL        time.Duration `yaml:"mediaTTL"`
	DedupeTTL       time.Duration `yaml:"dedupeTTL"`
}

// DispatchConfig controls notification batching.
type DispatchConfig struct {
	FlushWindow time.Duration `yaml:"flushWindow"`
}

// RankingConfig holds the relevance score weights. Weights are configuration,
// not constants, so they can be tuned without touching the algorithm.
type RankingConfig struct {
	TextWeight         float64 `yaml:"textWeight"`
	RecencyWeight      float64 `yaml:"recencyWeight"`
	RelationshipWeight float64 `yaml:"relationshipWeight"`
	FrequencyWeight    float64 `yaml:"frequencyWeight"`
	InteractionWeight  float64 `yaml:"interactionWeight"`
	RecencyHorizonDays float64 `yaml:"recencyHorizonDays"`
	DefaultLimit       int     `yaml:"defaultLimit"`
	MaxLimit           int     `yaml:"maxLimit"`
}

// SyncConfig controls cross-instance scope propagation.
type SyncConfig struct {
	Channel    string `yaml:"channel"`
	InstanceID string `yaml:"instanceId"`
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
	if cfg.Sync.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.Sync.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
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
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "chatsearch",
			User:            "chatsearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "chatsearch-group",
			Topics: KafkaTopics{
				ChatEvents: "chat-events",
				DeadLetter: "chat-events-dlq",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Registry: RegistryConfig{
			MaxPerUser:     100,
			MaxPerInstance: 1000,
			IdleTimeout:    5 * time.Minute,
			UserBuckets:    16,
			MinKeywordLen:  3,
			MaxKeywordLen:  256,
		},
		Cache: CacheConfig{
			GlobalTTL:       30 * time.Second,
			ConversationTTL: 30 * time.Second,
			ContactTTL:      60 * time.Second,
			MediaTTL:        60 * time.Second,
			DedupeTTL:       24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			FlushWindow: 100 * time.Millisecond,
		},
		Ranking: RankingConfig{
			TextWeight:         0.4,
			RecencyWeight:      0.2,
			RelationshipWeight: 0.2,
			FrequencyWeight:    0.1,
			InteractionWeight:  0.1,
			RecencyHorizonDays: 30,
			DefaultLimit:       20,
			MaxLimit:           100,
		},
		Sync: SyncConfig{
			Channel: "chatsearch:scope-updates",
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

// applyEnvOverrides reads ZS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ZS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("ZS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("ZS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("ZS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("ZS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("ZS_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("ZS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("ZS_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("ZS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ZS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ZS_SYNC_INSTANCE_ID"); v != "" {
		cfg.Sync.InstanceID = v
	}
	if v := os.Getenv("ZS_SYNC_CHANNEL"); v != "" {
		cfg.Sync.Channel = v
	}
	if v := os.Getenv("ZS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ZS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ZS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
