package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("storage: batch writer is closed")

// BatchWriterConfig holds configuration for a batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// InsertFunc writes one batch of rows.
type InsertFunc[T any] func(ctx context.Context, rows []T) error

// BatchWriter buffers rows and inserts them in batches, either when BatchSize
// rows are pending or every FlushInterval.
type BatchWriter[T any] struct {
	table  string
	insert InsertFunc[T]
	config BatchWriterConfig

	mu     sync.Mutex
	buffer []T
	closed bool
	timer  *time.Timer

	// flushMu serializes inserts so batches land in order.
	flushMu sync.Mutex

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewBatchWriter creates a BatchWriter for table.
func NewBatchWriter[T any](table string, insert InsertFunc[T], cfg BatchWriterConfig) *BatchWriter[T] {
	def := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = def.InsertTimeout
	}

	bw := &BatchWriter[T]{
		table:  table,
		insert: insert,
		config: cfg,
		buffer: make([]T, 0, cfg.BatchSize),
	}
	bw.timer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write buffers row and flushes when the batch is full.
func (bw *BatchWriter[T]) Write(row T) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrWriterClosed
	}
	bw.buffer = append(bw.buffer, row)
	var rows []T
	if len(bw.buffer) >= bw.config.BatchSize {
		rows = bw.takeLocked()
	}
	bw.mu.Unlock()

	if rows == nil {
		return nil
	}
	return bw.flushRows(rows)
}

func (bw *BatchWriter[T]) takeLocked() []T {
	rows := bw.buffer
	bw.buffer = make([]T, 0, bw.config.BatchSize)
	return rows
}

func (bw *BatchWriter[T]) timerFlush() {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return
	}
	rows := bw.takeLocked()
	bw.mu.Unlock()

	if len(rows) > 0 {
		if err := bw.flushRows(rows); err != nil {
			slog.Error("timer flush failed", "table", bw.table, "error", err)
		}
	}
	bw.timer.Reset(bw.config.FlushInterval)
}

func (bw *BatchWriter[T]) flushRows(rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), bw.config.InsertTimeout)
		err := bw.insert(ctx, rows)
		cancel()
		if err == nil {
			bw.written.Add(uint64(len(rows)))
			bw.batches.Add(1)
			slog.Debug("batch inserted", "table", bw.table, "count", len(rows))
			return nil
		}

		lastErr = err
		slog.Warn("batch insert failed",
			"table", bw.table,
			"attempt", attempt+1,
			"max_retries", bw.config.MaxRetries,
			"error", err,
		)
	}

	bw.failed.Add(uint64(len(rows)))
	return NewStorageErrorWithRetries("Insert", bw.table,
		fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr), bw.config.MaxRetries)
}

// Flush inserts everything buffered.
func (bw *BatchWriter[T]) Flush() error {
	bw.mu.Lock()
	rows := bw.takeLocked()
	bw.mu.Unlock()
	return bw.flushRows(rows)
}

// Close stops the flush timer and inserts what remains.
func (bw *BatchWriter[T]) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	rows := bw.takeLocked()
	bw.mu.Unlock()

	bw.timer.Stop()
	return bw.flushRows(rows)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter[T]) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return BatchWriterMetrics{
		Written: bw.written.Load(),
		Failed:  bw.failed.Load(),
		Batches: bw.batches.Load(),
		Pending: pending,
	}
}
