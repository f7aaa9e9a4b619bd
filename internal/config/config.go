// Package config handles configuration loading for storewatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storewatch/internal/aggregation"
	"storewatch/internal/broadcast"
	"storewatch/internal/classifier"
	"storewatch/internal/consumer"
	"storewatch/internal/escalation"
	"storewatch/internal/ingest"
	"storewatch/internal/kafka"
	"storewatch/internal/notify"
	"storewatch/internal/storage"
	"storewatch/internal/storage/s3"
	"storewatch/internal/transport/ws"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        ingest.AuthConfig `yaml:"auth"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Consumer    consumer.Config   `yaml:"consumer"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Notify      notify.Config     `yaml:"notify"`
	WebSocket   ws.Config         `yaml:"websocket"`
	Broadcast   broadcast.Config  `yaml:"broadcast"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IngestConfig holds detection intake settings.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
	QueueSize      int `yaml:"queue_size"`
	// Dedupe selects the duplicate suppression store: memory or redis.
	Dedupe string `yaml:"dedupe"`

	ingest.Config `yaml:",inline"`
}

// ClassifierConfig holds store context and false-positive tracking settings.
type ClassifierConfig struct {
	Default        classifier.StoreProfile            `yaml:"default"`
	Stores         map[string]classifier.StoreProfile `yaml:"stores"`
	FalsePositives FalsePositiveConfig                `yaml:"false_positives"`
}

// FalsePositiveConfig configures the per-source false-positive tracker.
type FalsePositiveConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Window     time.Duration `yaml:"window"`
	MinSamples int           `yaml:"min_samples"`
}

// AggregationConfig holds aggregation rules, inline or from a file.
type AggregationConfig struct {
	RulesFile string             `yaml:"rules_file"`
	Rules     []aggregation.Rule `yaml:"rules"`
}

// EscalationConfig holds scheduler settings, global rules and the role directory.
type EscalationConfig struct {
	escalation.Config `yaml:",inline"`

	RulesFile string                 `yaml:"rules_file"`
	Rules     []escalation.Rule      `yaml:"rules"`
	Directory notify.StaticDirectory `yaml:"directory"`
}

// StoreConfig selects the alert store.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory or postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// KafkaConfig enables the Kafka detection consumer and event publisher.
type KafkaConfig struct {
	Enabled       bool `yaml:"enabled"`
	PublishEvents bool `yaml:"publish_events"`
	kafka.Config  `yaml:",inline"`
}

// ClickHouseConfig enables delivery and escalation analytics.
type ClickHouseConfig struct {
	Enabled                  bool `yaml:"enabled"`
	storage.ClickHouseConfig `yaml:",inline"`
}

// ArchiveConfig enables archiving closed alerts to S3.
type ArchiveConfig struct {
	Enabled  bool              `yaml:"enabled"`
	S3       s3.Config         `yaml:"s3"`
	Archiver s3.ArchiverConfig `yaml:"archiver"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: ingest.AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			QueueSize:      10000,
			Dedupe:         "memory",
			Config:         ingest.DefaultConfig(),
		},
		Consumer: consumer.DefaultConfig(),
		Classifier: ClassifierConfig{
			Default: classifier.DefaultStoreProfile(),
			FalsePositives: FalsePositiveConfig{
				Enabled:    true,
				Window:     24 * time.Hour,
				MinSamples: 5,
			},
		},
		Escalation: EscalationConfig{
			Config: escalation.DefaultConfig(),
		},
		Notify:    notify.DefaultConfig(),
		WebSocket: ws.DefaultConfig(),
		Broadcast: broadcast.DefaultConfig(),
		Store: StoreConfig{
			Driver: "memory",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "storewatch:dedupe:",
		},
		Kafka: KafkaConfig{
			PublishEvents: true,
			Config:        *kafka.DefaultConfig(),
		},
		ClickHouse: ClickHouseConfig{
			ClickHouseConfig: storage.DefaultClickHouseConfig(),
		},
		Archive: ArchiveConfig{
			S3:       *s3.DefaultConfig(),
			Archiver: s3.DefaultArchiverConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file named by STOREWATCH_CONFIG_PATH (default
// configs/config.yaml) over the defaults, then applies environment overrides. A
// missing file yields the defaults.
func Load() (*Config, error) {
	path := os.Getenv("STOREWATCH_CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("STOREWATCH_HTTP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = n
		}
	}
	if level := os.Getenv("STOREWATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if apiKey := os.Getenv("STOREWATCH_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if dsn := os.Getenv("STOREWATCH_POSTGRES_DSN"); dsn != "" {
		c.Store.Driver = "postgres"
		c.Store.PostgresDSN = dsn
	}

	if addr := os.Getenv("STOREWATCH_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Ingest.Dedupe = "redis"
	}
	if pass := os.Getenv("STOREWATCH_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if brokers := os.Getenv("STOREWATCH_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if user := os.Getenv("STOREWATCH_KAFKA_SASL_USERNAME"); user != "" {
		c.Kafka.SASLUsername = user
	}
	if pass := os.Getenv("STOREWATCH_KAFKA_SASL_PASSWORD"); pass != "" {
		c.Kafka.SASLPassword = pass
	}

	if host := os.Getenv("STOREWATCH_CLICKHOUSE_HOST"); host != "" {
		c.ClickHouse.Hosts = splitAndTrim(host, ",")
		c.ClickHouse.Enabled = true
	}
	if user := os.Getenv("STOREWATCH_CLICKHOUSE_USER"); user != "" {
		c.ClickHouse.Username = user
	}
	if pass := os.Getenv("STOREWATCH_CLICKHOUSE_PASSWORD"); pass != "" {
		c.ClickHouse.Password = pass
	}

	if bucket := os.Getenv("STOREWATCH_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
		c.Archive.Enabled = true
	}

	if url := os.Getenv("STOREWATCH_SLACK_WEBHOOK_URL"); url != "" {
		if c.Notify.Slack == nil {
			c.Notify.Slack = &notify.SlackConfig{}
		}
		c.Notify.Slack.WebhookURL = url
	}
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for part := range strings.SplitSeq(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Ingest.QueueSize <= 0 {
		return errors.New("ingest.queue_size must be positive")
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return errors.New("ingest.max_batch_size must be positive")
	}
	if err := c.Ingest.Config.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	switch c.Ingest.Dedupe {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for redis dedupe")
		}
	default:
		return fmt.Errorf("invalid ingest.dedupe %q", c.Ingest.Dedupe)
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return errors.New("auth is enabled but no api_keys are configured")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store.driver %q", c.Store.Driver)
	}

	if err := c.WebSocket.Validate(); err != nil {
		return fmt.Errorf("websocket: %w", err)
	}
	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return err
		}
	}
	if c.ClickHouse.Enabled {
		if err := c.ClickHouse.ClickHouseConfig.Validate(); err != nil {
			return err
		}
	}
	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}
	return nil
}

// AggregationRules returns the configured aggregation rules: the rules file when
// set, otherwise the inline rules, otherwise the defaults.
func (c *Config) AggregationRules() ([]aggregation.Rule, error) {
	if c.Aggregation.RulesFile != "" {
		return aggregation.LoadRules(c.Aggregation.RulesFile)
	}
	if len(c.Aggregation.Rules) > 0 {
		if err := aggregation.ValidateRules(c.Aggregation.Rules); err != nil {
			return nil, err
		}
		return c.Aggregation.Rules, nil
	}
	return aggregation.DefaultRules(), nil
}

// EscalationRules returns the global escalation rules, resolved the same way.
func (c *Config) EscalationRules() ([]escalation.Rule, error) {
	if c.Escalation.RulesFile != "" {
		return escalation.LoadRules(c.Escalation.RulesFile)
	}
	if len(c.Escalation.Rules) > 0 {
		if err := escalation.ValidateRules(c.Escalation.Rules); err != nil {
			return nil, err
		}
		return c.Escalation.Rules, nil
	}
	return escalation.DefaultRules(), nil
}
