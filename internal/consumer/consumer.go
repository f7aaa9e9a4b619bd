// Package consumer drains the detection queue into the ingest adapter.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"storewatch/internal/detection"
	"storewatch/internal/ingest"
	"storewatch/internal/queue"
)

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		BatchSize:    32,
		PollInterval: 100 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Sink ingests one raw payload.
type Sink interface {
	IngestRaw(ctx context.Context, raw detection.Raw) ([]ingest.Result, error)
}

// Consumer pops queued detections and hands them to the sink.
type Consumer struct {
	queue  *queue.RingBuffer
	sink   Sink
	config Config

	wg sync.WaitGroup

	consumed atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64
	errors   atomic.Uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, sink Sink, cfg Config) *Consumer {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = def.ShutdownWait
	}
	return &Consumer{queue: q, sink: sink, config: cfg}
}

// Start starts the consumer workers. They run until ctx is cancelled or the queue
// is closed and drained.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	slog.Info("queue consumer started", "workers", c.config.Workers, "batch_size", c.config.BatchSize)
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	slog.Debug("consumer worker started", "worker_id", id)

	for {
		if ctx.Err() != nil {
			slog.Debug("consumer worker stopping (context)", "worker_id", id)
			return
		}

		items, err := c.queue.PopBatch(c.config.BatchSize, c.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				slog.Debug("consumer worker stopping (drained)", "worker_id", id)
				return
			}
			slog.Warn("unexpected queue error", "worker_id", id, "error", err)
			c.errors.Add(1)
			continue
		}

		for _, item := range items {
			c.handle(ctx, id, item)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, item *queue.Item) {
	c.consumed.Add(1)

	results, err := c.sink.IngestRaw(ctx, item.Raw)
	for _, r := range results {
		if r.Accepted {
			c.accepted.Add(1)
		} else {
			c.rejected.Add(1)
		}
	}
	if err != nil {
		c.errors.Add(1)
		slog.Error("failed to ingest detection",
			"worker_id", workerID,
			"source", item.Source,
			"kind", item.Raw.Kind,
			"queued_ms", time.Since(item.ReceivedAt).Milliseconds(),
			"error", err,
		)
	}
}

// Stop closes the queue and waits for the workers to drain it, up to ShutdownWait.
func (c *Consumer) Stop() {
	c.queue.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("queue consumer shutdown timed out", "pending", c.queue.Len())
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Accepted: c.accepted.Load(),
		Rejected: c.rejected.Load(),
		Errors:   c.errors.Load(),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Errors   uint64 `json:"errors"`
}
