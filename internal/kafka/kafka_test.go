package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"storewatch/internal/alert"
	"storewatch/internal/detection"
	"storewatch/internal/events"
	"storewatch/internal/queue"
)

const detectionPayload = `{"kind":"detection","storeId":"store-1","cameraId":"cam1","type":"theft","confidence":0.9}`

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.DetectionTopic != "storewatch.detections" || cfg.EventTopic != "storewatch.alert-events" {
		t.Errorf("topics = %q, %q", cfg.DetectionTopic, cfg.EventTopic)
	}
	if cfg.ConsumerGroup == "" {
		t.Error("expected default consumer group")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topics", func(c *Config) { c.DetectionTopic, c.EventTopic = "", "" }, true},
		{"events only without group", func(c *Config) { c.DetectionTopic, c.ConsumerGroup = "", "" }, false},
		{"detections without group", func(c *Config) { c.ConsumerGroup = "" }, true},
		{"invalid partitions", func(c *Config) { c.Partitions = 0 }, true},
		{"invalid replication factor", func(c *Config) { c.ReplicationFactor = 0 }, true},
		{"invalid security protocol", func(c *Config) { c.SecurityProtocol = "INVALID" }, true},
		{"SASL without credentials", func(c *Config) {
			c.SecurityProtocol = "SASL_PLAINTEXT"
			c.SASLMechanism = "PLAIN"
		}, true},
		{"SASL invalid mechanism", func(c *Config) {
			c.SecurityProtocol = "SASL_SSL"
			c.SASLMechanism = "GSSAPI"
			c.SASLUsername, c.SASLPassword = "u", "p"
		}, true},
		{"SASL SCRAM", func(c *Config) {
			c.SecurityProtocol = "SASL_SSL"
			c.SASLMechanism = "SCRAM-SHA-512"
			c.SASLUsername, c.SASLPassword = "u", "p"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompression(t *testing.T) {
	tests := map[string]kafka.Compression{
		"gzip":   kafka.Gzip,
		"snappy": kafka.Snappy,
		"lz4":    kafka.Lz4,
		"zstd":   kafka.Zstd,
		"none":   0,
		"":       0,
	}
	for name, want := range tests {
		cfg := DefaultConfig()
		cfg.CompressionType = name
		if got := cfg.Compression(); got != want {
			t.Errorf("Compression(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestDialer(t *testing.T) {
	cfg := DefaultConfig()
	d, err := cfg.Dialer()
	if err != nil {
		t.Fatal(err)
	}
	if d.TLS != nil || d.SASLMechanism != nil {
		t.Error("plaintext dialer has TLS or SASL configured")
	}

	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "SCRAM-SHA-256"
	cfg.SASLUsername, cfg.SASLPassword = "user", "secret"
	d, err = cfg.Dialer()
	if err != nil {
		t.Fatal(err)
	}
	if d.TLS == nil || d.SASLMechanism == nil {
		t.Error("SASL_SSL dialer missing TLS or SASL")
	}
	if d.SASLMechanism.Name() != "SCRAM-SHA-256" {
		t.Errorf("mechanism = %s", d.SASLMechanism.Name())
	}

	cfg.TLSCAFile = "/nonexistent/ca.pem"
	if _, err := cfg.Dialer(); err == nil {
		t.Error("expected error for missing CA file")
	}
}

func TestTopicConfigs(t *testing.T) {
	cfg := DefaultConfig()
	topics := cfg.TopicConfigs()
	if len(topics) != 2 || topics[0].Name != cfg.DetectionTopic || topics[1].Name != cfg.EventTopic {
		t.Fatalf("topics = %+v", topics)
	}
	cfg.DetectionTopic = ""
	if got := cfg.TopicConfigs(); len(got) != 1 {
		t.Errorf("topics without detection topic = %+v", got)
	}
}

type countingDrops struct{ n int }

func (c *countingDrops) QueueDropped() { c.n++ }

func TestQueueHandler(t *testing.T) {
	q := queue.NewRingBuffer(1)
	drops := &countingDrops{}
	stats := &HandlerStats{}
	h := QueueHandler(q, drops, stats, slog.Default())
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	if err := h(ctx, kafka.Message{Value: []byte(detectionPayload), Time: at}); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if err := h(ctx, kafka.Message{Value: []byte(`{not json`)}); err != nil {
		t.Errorf("undecodable message error = %v, want nil so it is committed", err)
	}
	if err := h(ctx, kafka.Message{Value: []byte(detectionPayload)}); err != nil {
		t.Errorf("full queue error = %v, want nil so it is committed", err)
	}

	if stats.Queued.Load() != 1 || stats.Invalid.Load() != 1 || stats.Dropped.Load() != 1 {
		t.Errorf("stats queued=%d invalid=%d dropped=%d", stats.Queued.Load(), stats.Invalid.Load(), stats.Dropped.Load())
	}
	if drops.n != 1 {
		t.Errorf("drop counter = %d, want 1", drops.n)
	}

	item, err := q.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if item.Source != "kafka" || !item.ReceivedAt.Equal(at) || item.Raw.Kind != detection.KindDirect {
		t.Errorf("item = %+v", item)
	}

	q.Close()
	if err := h(ctx, kafka.Message{Value: []byte(detectionPayload)}); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("closed queue error = %v, want ErrQueueClosed", err)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestDetectionConsumer_CommitsHandledMessages(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte(detectionPayload)},
		kafka.Message{Offset: 2, Value: []byte("fail")},
		kafka.Message{Offset: 3, Value: []byte(detectionPayload)},
	)
	handler := func(_ context.Context, m kafka.Message) error {
		if string(m.Value) == "fail" {
			return errors.New("transient")
		}
		return nil
	}
	c := newDetectionConsumer(reader, DefaultConfig(), handler, slog.Default())

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	got := reader.commits()
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("committed offsets = %v, want [1 3]", got)
	}
	m := c.Metrics()
	if m.Messages != 2 || m.Errors != 1 || m.LastError != "transient" {
		t.Errorf("metrics = %+v", m)
	}
	if !reader.closed {
		t.Error("reader not closed")
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrConsumerClosed) {
		t.Errorf("Start() after Stop error = %v, want ErrConsumerClosed", err)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	fails  int
	err    error
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fails > 0 {
		w.fails--
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testEvent() events.Event {
	a := &alert.Alert{ID: "alert-1", StoreID: "store-1", Title: "Theft", Severity: alert.SeverityHigh}
	return events.New(events.AlertCreated, a, "", time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
}

func TestEventPublisher_Publish(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProducerRetryBackoff = time.Millisecond
	w := &fakeWriter{fails: 2, err: errors.New("leader not available")}
	p := newEventPublisher(w, cfg, slog.Default())

	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "alert-1" {
		t.Errorf("key = %s", msg.Key)
	}
	if len(msg.Headers) == 0 || msg.Headers[0].Key != "kind" || string(msg.Headers[0].Value) != "alert.created" {
		t.Errorf("headers = %+v", msg.Headers)
	}
	var ev events.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != events.AlertCreated || ev.AlertID != "alert-1" {
		t.Errorf("event = %+v", ev)
	}

	m := p.Metrics()
	if m.Messages != 1 || m.Retries != 2 || m.Errors != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestEventPublisher_NonRetryable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProducerRetryBackoff = time.Millisecond
	w := &fakeWriter{fails: 10, err: kafka.MessageSizeTooLarge}
	p := newEventPublisher(w, cfg, slog.Default())

	err := p.Publish(context.Background(), testEvent())
	if !errors.Is(err, kafka.MessageSizeTooLarge) {
		t.Fatalf("Publish() error = %v", err)
	}
	if p.Metrics().Retries != 0 {
		t.Errorf("retried a non-retryable error")
	}
}

func TestEventPublisher_Closed(t *testing.T) {
	w := &fakeWriter{}
	p := newEventPublisher(w, DefaultConfig(), slog.Default())
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Publish(context.Background(), testEvent()); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrProducerClosed", err)
	}
}

func TestKafkaIntegration(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}

	cfg := DefaultConfig()
	cfg.Brokers = []string{brokers}
	cfg.ReplicationFactor = 1
	cfg.DetectionTopic = "storewatch-test-detections"
	cfg.EventTopic = "storewatch-test-events"
	cfg.StartOffset = kafka.FirstOffset
	logger := slog.Default()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := NewAdmin(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	if status := admin.HealthCheck(ctx); !status.Healthy {
		t.Fatalf("cluster unhealthy: %s", status.Error)
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		t.Fatal(err)
	}

	pub, err := NewEventPublisher(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()
	if err := pub.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}
