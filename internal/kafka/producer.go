package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"storewatch/internal/events"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher publishes alert lifecycle events to the event topic, keyed by
// alert ID so one alert's events stay ordered within a partition.
type EventPublisher struct {
	writer  messageWriter
	config  *Config
	logger  *slog.Logger
	closed  atomic.Bool
	metrics producerMetrics
}

type producerMetrics struct {
	messages  atomic.Int64
	bytes     atomic.Int64
	errors    atomic.Int64
	retries   atomic.Int64
	lastError atomic.Value // string
}

// NewEventPublisher creates a publisher writing to config.EventTopic.
func NewEventPublisher(config *Config, logger *slog.Logger) (*EventPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.EventTopic == "" {
		return nil, errors.New("kafka: event topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.EventTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.Compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka event publisher initialized",
		"brokers", config.Brokers,
		"topic", config.EventTopic,
		"compression", config.CompressionType,
	)
	return newEventPublisher(writer, config, logger), nil
}

func newEventPublisher(w messageWriter, config *Config, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{writer: w, config: config, logger: logger}
}

// Publish implements events.Publisher.
func (p *EventPublisher) Publish(ctx context.Context, ev events.Event) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.AlertID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "store_id", Value: []byte(ev.StoreID)},
		},
	}
	return p.write(ctx, msg)
}

func (p *EventPublisher) write(ctx context.Context, msgs ...kafka.Message) error {
	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			for _, m := range msgs {
				p.metrics.messages.Add(1)
				p.metrics.bytes.Add(int64(len(m.Key) + len(m.Value)))
			}
			return nil
		}

		lastErr = err
		p.metrics.errors.Add(1)
		p.metrics.lastError.Store(err.Error())
		p.logger.Warn("kafka publish failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// Metrics returns publisher counters.
func (p *EventPublisher) Metrics() Metrics {
	m := Metrics{
		Messages: p.metrics.messages.Load(),
		Bytes:    p.metrics.bytes.Load(),
		Errors:   p.metrics.errors.Load(),
		Retries:  p.metrics.retries.Load(),
	}
	if s, ok := p.metrics.lastError.Load().(string); ok {
		m.LastError = s
	}
	return m
}

// Close flushes pending writes and closes the writer.
func (p *EventPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.writer.Close()
}

func isNonRetryableError(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidTopic),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}
