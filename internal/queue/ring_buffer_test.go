package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storewatch/internal/detection"
)

func newTestItem(id string) *Item {
	return &Item{
		Raw: detection.Raw{
			Kind:   detection.KindDirect,
			Direct: &detection.Detection{ID: id, StoreID: "store-1", Type: "loitering", Confidence: 0.9},
		},
		Source:     "test",
		ReceivedAt: time.Now().UTC(),
	}
}

func TestNewRingBuffer(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{"valid size", 100, 100},
		{"zero uses default", 0, 10000},
		{"negative uses default", -5, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(tt.size)
			if rb.Cap() != tt.want {
				t.Errorf("Cap() = %d, want %d", rb.Cap(), tt.want)
			}
			if rb.Len() != 0 {
				t.Errorf("Len() = %d, want 0", rb.Len())
			}
		})
	}
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		if err := rb.Push(newTestItem(fmt.Sprintf("d%d", i))); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		item, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if want := fmt.Sprintf("d%d", i); item.Raw.Direct.ID != want {
			t.Errorf("Pop() = %s, want %s", item.Raw.Direct.ID, want)
		}
	}
	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("Pop() on empty error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_FullAndWrap(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		if err := rb.Push(newTestItem("x")); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	if !rb.IsFull() {
		t.Error("IsFull() = false, want true")
	}
	if err := rb.Push(newTestItem("x")); err != ErrQueueFull {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}

	rb.Pop()
	rb.Pop()
	for i := 0; i < 2; i++ {
		if err := rb.Push(newTestItem("y")); err != nil {
			t.Errorf("Push() after wrap error = %v", err)
		}
	}

	m := rb.Metrics()
	if m.Pushed != 5 || m.Popped != 2 || m.Dropped != 1 || m.Depth != 3 {
		t.Errorf("Metrics() = %+v, want pushed 5 popped 2 dropped 1 depth 3", m)
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Push(newTestItem("a"))
	rb.Close()

	if err := rb.Push(newTestItem("b")); err != ErrQueueClosed {
		t.Errorf("Push() error = %v, want ErrQueueClosed", err)
	}
	if item, err := rb.Pop(); err != nil || item == nil {
		t.Errorf("Pop() after close = %v, %v; want remaining item", item, err)
	}
	if _, err := rb.PopBlocking(); err != ErrQueueClosed {
		t.Errorf("PopBlocking() error = %v, want ErrQueueClosed", err)
	}
	if _, err := rb.PopBatch(5, time.Second); err != ErrQueueClosed {
		t.Errorf("PopBatch() error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopBlocking(t *testing.T) {
	rb := NewRingBuffer(10)
	go func() {
		time.Sleep(50 * time.Millisecond)
		rb.Push(newTestItem("late"))
	}()

	start := time.Now()
	item, err := rb.PopBlocking()
	if err != nil || item == nil {
		t.Fatalf("PopBlocking() = %v, %v", item, err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("PopBlocking() returned too quickly: %v", elapsed)
	}
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := NewRingBuffer(10)

	start := time.Now()
	if _, err := rb.PopWithTimeout(50 * time.Millisecond); err != ErrQueueEmpty {
		t.Errorf("PopWithTimeout() error = %v, want ErrQueueEmpty", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("PopWithTimeout() returned too quickly: %v", elapsed)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		rb.Push(newTestItem("soon"))
	}()
	if item, err := rb.PopWithTimeout(time.Second); err != nil || item == nil {
		t.Errorf("PopWithTimeout() = %v, %v; want item", item, err)
	}
}

func TestRingBuffer_PopBatch(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 7; i++ {
		rb.Push(newTestItem(fmt.Sprintf("d%d", i)))
	}

	batch, err := rb.PopBatch(5, time.Millisecond)
	if err != nil {
		t.Fatalf("PopBatch() error = %v", err)
	}
	if len(batch) != 5 {
		t.Errorf("len(batch) = %d, want 5", len(batch))
	}
	batch, _ = rb.PopBatch(5, time.Millisecond)
	if len(batch) != 2 {
		t.Errorf("len(second batch) = %d, want 2", len(batch))
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(100)

	const producers = 5
	const perProducer = 100

	var produced, consumed atomic.Uint64
	var pwg sync.WaitGroup
	for i := 0; i < producers; i++ {
		pwg.Add(1)
		go func() {
			defer pwg.Done()
			for j := 0; j < perProducer; j++ {
				if rb.Push(newTestItem("c")) == nil {
					produced.Add(1)
				}
			}
		}()
	}

	var cwg sync.WaitGroup
	for i := 0; i < 3; i++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				if _, err := rb.PopBlocking(); err != nil {
					return
				}
				consumed.Add(1)
			}
		}()
	}

	pwg.Wait()
	rb.Close()
	cwg.Wait()

	if produced.Load() != consumed.Load() {
		t.Errorf("produced %d, consumed %d", produced.Load(), consumed.Load())
	}
}
