package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"storewatch/internal/detection"
	"storewatch/internal/queue"
)

// MessageHandler processes one consumed message. A nil return commits the offset.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DropCounter records detections dropped because the ingest queue was full.
type DropCounter interface {
	QueueDropped()
}

// HandlerStats counts what a queue handler did with consumed messages.
type HandlerStats struct {
	Queued  atomic.Int64
	Dropped atomic.Int64
	Invalid atomic.Int64
}

// QueueHandler returns a MessageHandler that decodes detection payloads and pushes
// them onto q. Undecodable payloads and detections dropped on a full queue are
// committed so one bad message cannot stall the partition. A closed queue stops
// consumption without committing.
func QueueHandler(q *queue.RingBuffer, drops DropCounter, stats *HandlerStats, logger *slog.Logger) MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = &HandlerStats{}
	}
	return func(_ context.Context, msg kafka.Message) error {
		raw, err := detection.Decode(msg.Value)
		if err != nil {
			stats.Invalid.Add(1)
			logger.Warn("discarding undecodable detection",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return nil
		}

		received := msg.Time
		if received.IsZero() {
			received = time.Now()
		}
		err = q.Push(&queue.Item{Raw: raw, Source: "kafka", ReceivedAt: received.UTC()})
		switch {
		case err == nil:
			stats.Queued.Add(1)
			return nil
		case errors.Is(err, queue.ErrQueueFull):
			stats.Dropped.Add(1)
			if drops != nil {
				drops.QueueDropped()
			}
			logger.Warn("ingest queue full, dropping detection",
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return nil
		default:
			return err
		}
	}
}

// DetectionConsumer reads the detection topic as part of a consumer group.
type DetectionConsumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler
	backoff time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	consumed  atomic.Int64
	bytes     atomic.Int64
	errors    atomic.Int64
	lastError atomic.Value // string
}

// NewDetectionConsumer creates a consumer for config.DetectionTopic.
func NewDetectionConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*DetectionConsumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.DetectionTopic == "" {
		return nil, errors.New("kafka: detection topic is required")
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.DetectionTopic,
		Dialer:         dialer,
		MaxBytes:       config.ConsumerMaxBytes,
		MaxWait:        config.ConsumerMaxWait,
		CommitInterval: config.CommitInterval,
		StartOffset:    config.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka detection consumer initialized",
		"brokers", config.Brokers,
		"topic", config.DetectionTopic,
		"group", config.ConsumerGroup,
	)
	return newDetectionConsumer(reader, config, handler, logger), nil
}

func newDetectionConsumer(r messageReader, config *Config, handler MessageHandler, logger *slog.Logger) *DetectionConsumer {
	return &DetectionConsumer{
		reader:  r,
		config:  config,
		logger:  logger,
		handler: handler,
		backoff: time.Second,
	}
}

// Start begins consuming in a goroutine until ctx is cancelled or Stop is called.
func (c *DetectionConsumer) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("kafka consumer loop exited", "error", err)
		}
	}()
	return nil
}

func (c *DetectionConsumer) consumeLoop(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.DetectionTopic)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
				continue
			}
		}

		if err := c.handler(ctx, msg); err != nil {
			c.recordError(err)
			if errors.Is(err, queue.ErrQueueClosed) {
				return err
			}
			c.logger.Error("failed to handle message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
		c.consumed.Add(1)
		c.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
	}
}

func (c *DetectionConsumer) recordError(err error) {
	c.errors.Add(1)
	c.lastError.Store(err.Error())
}

// Metrics returns consumer counters.
func (c *DetectionConsumer) Metrics() Metrics {
	m := Metrics{
		Messages: c.consumed.Load(),
		Bytes:    c.bytes.Load(),
		Errors:   c.errors.Load(),
	}
	if s, ok := c.lastError.Load().(string); ok {
		m.LastError = s
	}
	return m
}

// Stop cancels consumption, waits for the loop to exit and closes the reader.
func (c *DetectionConsumer) Stop() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}
