// Package config handles configuration loading for threatline.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"threatline/internal/egress"
	"threatline/internal/incident"
	"threatline/internal/kafka"
	"threatline/internal/logging"
	"threatline/internal/pipeline"
	"threatline/internal/response"
	"threatline/internal/rules"
	"threatline/internal/storage"
	"threatline/internal/storage/s3"
	"threatline/internal/threat"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "THREATLINE_CONFIG"

// DefaultConfigPath is read when EnvConfigPath is unset.
const DefaultConfigPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Logging    logging.Config  `yaml:"logging"`
	Storage    StorageConfig   `yaml:"storage"`
	Rules      RulesConfig     `yaml:"rules"`
	Pipeline   pipeline.Config `yaml:"pipeline"`
	Correlator incident.Config `yaml:"correlator"`
	Threat     threat.Config   `yaml:"threat"`
	Response   response.Config `yaml:"response"`
	Egress     EgressConfig    `yaml:"egress"`
	Kafka      KafkaConfig     `yaml:"kafka"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxPayloadSize  int           `yaml:"max_payload_size" validate:"min=1"`
	MaxBatchSize    int           `yaml:"max_batch_size" validate:"min=1"`
	// Production hides internal error details from API clients.
	Production bool `yaml:"production"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header" validate:"required_if=Enabled true"`
	APIKeys      []string `yaml:"api_keys" validate:"required_if=Enabled true"`
}

// RateLimitConfig holds per-client HTTP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	CleanupPeriod     time.Duration `yaml:"cleanup_period"`
	ExemptPaths       []string      `yaml:"exempt_paths"`
	TrustProxy        bool          `yaml:"trust_proxy"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// StorageConfig selects and configures the event store.
type StorageConfig struct {
	Backend       string               `yaml:"backend" validate:"oneof=memory sqlite"`
	LeaseDuration time.Duration        `yaml:"lease_duration" validate:"gt=0"`
	SQLite        storage.SQLiteConfig `yaml:"sqlite"`
	Retry         storage.RetryPolicy  `yaml:"retry"`
}

// RulesConfig lists rule files or directories. No paths means the built-in
// defaults.
type RulesConfig struct {
	Paths        []string      `yaml:"paths"`
	MatchTimeout time.Duration `yaml:"match_timeout"`
}

// EgressConfig configures the egress publisher and its sinks.
type EgressConfig struct {
	egress.Config `yaml:",inline"`
	S3            S3Config         `yaml:"s3"`
	ClickHouse    ClickHouseConfig `yaml:"clickhouse"`
}

// S3Config enables the incident archive.
type S3Config struct {
	Enabled   bool              `yaml:"enabled"`
	s3.Config `yaml:",inline" validate:"-"`
	Archive   s3.ArchiverConfig `yaml:"archive"`
}

// ClickHouseConfig enables the analytics mirror.
type ClickHouseConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	Connection storage.ClickHouseConfig `yaml:"connection"`
	Mirror     storage.MirrorConfig     `yaml:"mirror"`
	Retention  storage.RetentionConfig  `yaml:"retention"`
	Migrate    bool                     `yaml:"migrate"`
}

// KafkaConfig enables the Kafka transport.
type KafkaConfig struct {
	// Ingest consumes events from the ingress topic.
	Ingest bool `yaml:"ingest"`
	// Publish sends alerts and incidents to their topics.
	Publish bool `yaml:"publish"`
	// Checked by Validate only when enabled.
	kafka.Config `yaml:",inline" validate:"-"`
}

// Enabled reports whether any Kafka feature is on.
func (k KafkaConfig) Enabled() bool {
	return k.Ingest || k.Publish
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxPayloadSize:  10 * 1024 * 1024, // 10MB
			MaxBatchSize:    1000,
		},
		Auth: AuthConfig{
			Enabled:      false, // Disabled by default for development
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			Burst:             200,
			IdleTimeout:       10 * time.Minute,
			CleanupPeriod:     5 * time.Minute,
			ExemptPaths:       []string{"/health", "/metrics"},
		},
		Logging: logging.DefaultConfig(),
		Storage: StorageConfig{
			Backend:       BackendSQLite,
			LeaseDuration: storage.DefaultLeaseDuration,
			SQLite:        storage.DefaultSQLiteConfig(),
			Retry:         storage.DefaultRetryPolicy(),
		},
		Rules: RulesConfig{
			MatchTimeout: rules.DefaultMatchTimeout,
		},
		Pipeline:   pipeline.DefaultConfig(),
		Correlator: incident.DefaultConfig(),
		Threat:     threat.DefaultConfig(),
		Response:   response.DefaultConfig(),
		Egress: EgressConfig{
			Config: egress.DefaultConfig(),
			S3: S3Config{
				Config:  *s3.DefaultConfig(),
				Archive: *s3.DefaultArchiverConfig(),
			},
			ClickHouse: ClickHouseConfig{
				Connection: storage.DefaultClickHouseConfig(),
				Mirror:     storage.DefaultMirrorConfig(),
				Retention: storage.RetentionConfig{
					AlertsTTL:    90 * 24 * time.Hour,
					IncidentsTTL: 365 * 24 * time.Hour,
				},
				Migrate: true,
			},
		},
		Kafka: KafkaConfig{
			Config: *kafka.DefaultConfig(),
		},
	}
}

// Path returns the config file path from the environment or the default.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads the file at Path, falling back to defaults when it does not
// exist, then applies environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// File doesn't exist, use defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("THREATLINE_HTTP_ADDR"); addr != "" {
		c.Server.HTTPAddr = addr
	}
	if v := os.Getenv("THREATLINE_PRODUCTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("THREATLINE_PRODUCTION: %w", err)
		}
		c.Server.Production = b
	}

	if level := os.Getenv("THREATLINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("THREATLINE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if apiKey := os.Getenv("THREATLINE_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if backend := os.Getenv("THREATLINE_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if path := os.Getenv("THREATLINE_SQLITE_PATH"); path != "" {
		c.Storage.SQLite.Path = path
	}

	if paths := os.Getenv("THREATLINE_RULE_PATHS"); paths != "" {
		c.Rules.Paths = splitAndTrim(paths, ",")
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if v := os.Getenv("THREATLINE_KAFKA_INGEST"); v == "true" {
		c.Kafka.Ingest = true
	}
	if v := os.Getenv("THREATLINE_KAFKA_PUBLISH"); v == "true" {
		c.Kafka.Publish = true
	}

	if v := os.Getenv("THREATLINE_CLICKHOUSE_ENABLED"); v == "true" {
		c.Egress.ClickHouse.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Egress.ClickHouse.Connection.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Egress.ClickHouse.Connection.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Egress.ClickHouse.Connection.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Egress.ClickHouse.Connection.Password = pass
	}

	if bucket := os.Getenv("THREATLINE_S3_BUCKET"); bucket != "" {
		c.Egress.S3.Bucket = bucket
		c.Egress.S3.Enabled = true
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		c.Egress.S3.Region = region
	}

	if rl := os.Getenv("THREATLINE_RATELIMIT_ENABLED"); rl == "false" {
		c.RateLimit.Enabled = false
	}

	return nil
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

var validate = validator.New()

// Validate checks struct constraints and the cross-field rules of the
// optional integrations.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Storage.Backend == BackendSQLite && c.Storage.SQLite.Path == "" {
		return errors.New("invalid config: storage.sqlite.path is required for the sqlite backend")
	}
	if c.Kafka.Enabled() {
		if err := c.Kafka.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if c.Egress.S3.Enabled {
		if err := c.Egress.S3.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if c.Egress.ClickHouse.Enabled && len(c.Egress.ClickHouse.Connection.Hosts) == 0 {
		return errors.New("invalid config: egress.clickhouse.connection.hosts is required")
	}
	return nil
}
