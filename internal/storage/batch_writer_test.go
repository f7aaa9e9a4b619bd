package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingInsert struct {
	mu      sync.Mutex
	batches [][]int
	fails   atomic.Int32
}

func (r *recordingInsert) insert(_ context.Context, rows []int) error {
	if r.fails.Load() > 0 {
		r.fails.Add(-1)
		return errors.New("connection reset")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]int(nil), rows...))
	return nil
}

func (r *recordingInsert) rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func testBatchConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     3,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}
}

func TestDefaultBatchWriterConfig(t *testing.T) {
	cfg := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 || cfg.FlushInterval <= 0 || cfg.InsertTimeout <= 0 {
		t.Errorf("config = %+v", cfg)
	}
}

func TestBatchWriter_FlushOnBatchSize(t *testing.T) {
	rec := &recordingInsert{}
	bw := NewBatchWriter("t", rec.insert, testBatchConfig())
	defer bw.Close()

	for i := range 7 {
		if err := bw.Write(i); err != nil {
			t.Fatal(err)
		}
	}

	if len(rec.batches) != 2 || len(rec.batches[0]) != 3 || rec.batches[1][0] != 3 {
		t.Errorf("batches = %v", rec.batches)
	}
	m := bw.Metrics()
	if m.Written != 6 || m.Batches != 2 || m.Pending != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestBatchWriter_CloseFlushesAndRejects(t *testing.T) {
	rec := &recordingInsert{}
	bw := NewBatchWriter("t", rec.insert, testBatchConfig())
	_ = bw.Write(1)
	_ = bw.Write(2)

	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}
	if rec.rows() != 2 {
		t.Errorf("rows inserted = %d, want 2", rec.rows())
	}
	if err := bw.Write(3); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write() after Close error = %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestBatchWriter_TimerFlush(t *testing.T) {
	rec := &recordingInsert{}
	cfg := testBatchConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	bw := NewBatchWriter("t", rec.insert, cfg)
	defer bw.Close()

	_ = bw.Write(1)
	deadline := time.Now().Add(2 * time.Second)
	for rec.rows() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.rows() != 1 {
		t.Errorf("timer did not flush")
	}
}

func TestBatchWriter_Retries(t *testing.T) {
	rec := &recordingInsert{}
	rec.fails.Store(2)
	bw := NewBatchWriter("t", rec.insert, testBatchConfig())
	defer bw.Close()

	_ = bw.Write(1)
	if err := bw.Flush(); err != nil {
		t.Fatalf("Flush() error = %v, want success after retries", err)
	}
	if rec.rows() != 1 {
		t.Errorf("rows = %d", rec.rows())
	}
}

func TestBatchWriter_FailureUpdatesMetrics(t *testing.T) {
	rec := &recordingInsert{}
	rec.fails.Store(10)
	bw := NewBatchWriter("deliveries", rec.insert, testBatchConfig())
	defer bw.Close()

	_ = bw.Write(1)
	_ = bw.Write(2)
	err := bw.Flush()
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Fatalf("Flush() error = %v, want ErrBatchInsertFailed", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Table != "deliveries" || se.Retries != 2 {
		t.Errorf("error = %#v", err)
	}
	if m := bw.Metrics(); m.Failed != 2 || m.Written != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestBatchWriter_ConcurrentWrite(t *testing.T) {
	rec := &recordingInsert{}
	cfg := testBatchConfig()
	cfg.BatchSize = 10
	bw := NewBatchWriter("t", rec.insert, cfg)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				_ = bw.Write(g*100 + i)
			}
		}()
	}
	wg.Wait()
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}
	if rec.rows() != 200 {
		t.Errorf("rows = %d, want 200", rec.rows())
	}
}
