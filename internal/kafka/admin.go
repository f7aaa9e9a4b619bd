package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Admin creates topics and checks broker health.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates a new Kafka admin client.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: config, logger: logger}, nil
}

// TopicConfig defines configuration for topic creation.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
	CleanupPolicy     string // "delete" or "compact"
}

// TopicConfigs returns the topics storewatch reads and writes.
func (c *Config) TopicConfigs() []TopicConfig {
	var out []TopicConfig
	for _, name := range []string{c.DetectionTopic, c.EventTopic} {
		if name == "" {
			continue
		}
		out = append(out, TopicConfig{
			Name:              name,
			Partitions:        c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			RetentionMs:       c.RetentionMs,
			CleanupPolicy:     "delete",
		})
	}
	return out
}

func (a *Admin) dial(ctx context.Context) (*kafka.Conn, *kafka.Dialer, error) {
	dialer, err := a.config.Dialer()
	if err != nil {
		return nil, nil, fmt.Errorf("kafka: failed to create dialer: %w", err)
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	return conn, dialer, nil
}

// CreateTopic creates a topic through the cluster controller.
func (a *Admin) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	conn, dialer, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}
	controllerConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	entries := []kafka.ConfigEntry{
		{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10)},
	}
	if cfg.CleanupPolicy != "" {
		entries = append(entries, kafka.ConfigEntry{ConfigName: "cleanup.policy", ConfigValue: cfg.CleanupPolicy})
	}

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     entries,
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Name, err)
	}

	a.logger.Info("kafka topic created",
		"topic", cfg.Name,
		"partitions", cfg.Partitions,
		"replication_factor", cfg.ReplicationFactor,
	)
	return nil
}

// ListTopics returns the names of all topics.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	conn, _, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to read partitions: %w", err)
	}

	var topics []string
	for _, p := range partitions {
		if !slices.Contains(topics, p.Topic) {
			topics = append(topics, p.Topic)
		}
	}
	return topics, nil
}

// EnsureTopics creates each configured topic that does not exist yet.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	existing, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range a.config.TopicConfigs() {
		if slices.Contains(existing, cfg.Name) {
			a.logger.Debug("topic already exists", "topic", cfg.Name)
			continue
		}
		if err := a.CreateTopic(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// BrokerInfo identifies a broker.
type BrokerInfo struct {
	ID   int    `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ListBrokers returns the brokers in the cluster.
func (a *Admin) ListBrokers(ctx context.Context) ([]BrokerInfo, error) {
	conn, _, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to get brokers: %w", err)
	}
	out := make([]BrokerInfo, len(brokers))
	for i, b := range brokers {
		out[i] = BrokerInfo{ID: b.ID, Host: b.Host, Port: b.Port}
	}
	return out, nil
}

// HealthCheck reports whether the cluster is reachable.
func (a *Admin) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}
	start := time.Now()

	brokers, err := a.ListBrokers(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Latency = time.Since(start)
	status.Connected = true
	status.Healthy = len(brokers) > 0
	status.BrokerCount = len(brokers)
	return status
}
