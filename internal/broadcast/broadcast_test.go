package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/message"
	"storewatch/internal/subscription"
)

type fakeConn struct {
	mu       sync.Mutex
	storeID  string
	closed   bool
	failSend bool
	delay    time.Duration
	received []message.Message
}

func (c *fakeConn) Send(msg message.Message) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("broken pipe")
	}
	c.received = append(c.received, msg)
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Principal() subscription.Principal {
	return subscription.Principal{UserID: "u-" + c.storeID, StoreID: c.storeID, Authenticated: true}
}

// count returns how many messages of type t the connection received.
func (c *fakeConn) count(t message.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.received {
		if m.MessageType() == t {
			n++
		}
	}
	return n
}

type memSink struct {
	mu      sync.Mutex
	metrics []DeliveryMetric
}

func (s *memSink) WriteDelivery(m DeliveryMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

func subscribe(t *testing.T, reg *subscription.Registry, id string, conn *fakeConn, req subscription.Request) {
	t.Helper()
	req.StoreID = conn.storeID
	if _, err := reg.Register(id, conn, req); err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
}

func testAlert(id string, sev alert.Severity) *alert.Alert {
	return &alert.Alert{
		ID:       id,
		StoreID:  "store-1",
		CameraID: "cam1",
		Type:     "suspicious_behavior",
		Severity: sev,
		Priority: alert.PriorityNormal,
		Location: alert.Location{Area: "Entrance"},
	}
}

func TestBroadcastNewAlertFiltering(t *testing.T) {
	reg := subscription.NewRegistry(nil)
	b := New(Config{}, reg, nil, nil)

	criticalOnly := &fakeConn{storeID: "store-1"}
	everything := &fakeConn{storeID: "store-1"}
	otherStore := &fakeConn{storeID: "store-2"}
	subscribe(t, reg, "critical", criticalOnly, subscription.Request{
		Filters: subscription.Filters{Severity: []alert.Severity{alert.SeverityCritical}},
	})
	subscribe(t, reg, "all", everything, subscription.Request{})
	subscribe(t, reg, "other", otherStore, subscription.Request{})

	n := b.BroadcastNewAlert(context.Background(), testAlert("a1", alert.SeverityLow), "")
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if criticalOnly.count(message.TypeNotification) != 0 {
		t.Error("critical-only subscriber received a low alert")
	}
	if everything.count(message.TypeNotification) != 1 {
		t.Error("unfiltered subscriber missed the alert")
	}
	if otherStore.count(message.TypeNotification) != 0 {
		t.Error("subscriber of another store received the alert")
	}

	n = b.BroadcastNewAlert(context.Background(), testAlert("a2", alert.SeverityCritical), "")
	if n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}

	stats := b.Stats()
	if stats.Delivered != 3 || stats.Filtered != 1 {
		t.Errorf("stats = %+v, want 3 delivered 1 filtered", stats)
	}
}

func TestBroadcastRateLimit(t *testing.T) {
	reg := subscription.NewRegistry(nil)
	b := New(Config{}, reg, nil, nil)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	b.limiter.now = func() time.Time { return now }

	limited := &fakeConn{storeID: "store-1"}
	subscribe(t, reg, "limited", limited, subscription.Request{
		Preferences: subscription.Preferences{MaxAlertsPerMinute: 2},
	})
	unlimited := &fakeConn{storeID: "store-1"}
	subscribe(t, reg, "default", unlimited, subscription.Request{})

	for i := 0; i < 5; i++ {
		b.BroadcastNewAlert(context.Background(), testAlert(fmt.Sprintf("a%d", i), alert.SeverityHigh), "")
	}
	if got := limited.count(message.TypeNotification); got != 2 {
		t.Errorf("limited subscriber received %d, want 2", got)
	}
	if got := unlimited.count(message.TypeNotification); got != 5 {
		t.Errorf("default subscriber received %d, want 5", got)
	}
	if b.Stats().RateLimited != 3 {
		t.Errorf("RateLimited = %d, want 3", b.Stats().RateLimited)
	}

	// Still inside the window: dropped, not queued.
	now = now.Add(59 * time.Second)
	b.BroadcastNewAlert(context.Background(), testAlert("late", alert.SeverityHigh), "")
	if got := limited.count(message.TypeNotification); got != 2 {
		t.Errorf("limited subscriber received %d inside window, want 2", got)
	}

	now = now.Add(2 * time.Second)
	b.BroadcastNewAlert(context.Background(), testAlert("next-window", alert.SeverityHigh), "")
	if got := limited.count(message.TypeNotification); got != 3 {
		t.Errorf("limited subscriber received %d after window reset, want 3", got)
	}
}

func TestBroadcastRateLimitRollingWindow(t *testing.T) {
	reg := subscription.NewRegistry(nil)
	b := New(Config{}, reg, nil, nil)
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	now := start
	b.limiter.now = func() time.Time { return now }

	limited := &fakeConn{storeID: "store-1"}
	subscribe(t, reg, "limited", limited, subscription.Request{
		Preferences: subscription.Preferences{MaxAlertsPerMinute: 2},
	})

	steps := []struct {
		at   time.Duration
		want int
	}{
		{0, 1},
		{59 * time.Second, 2},
		{60 * time.Second, 2}, // t=0 and t=59s still inside the window
		{61 * time.Second, 3}, // t=0 has left the window
		{62 * time.Second, 3},
		{119 * time.Second, 3},
		{120 * time.Second, 4},
	}
	for i, s := range steps {
		now = start.Add(s.at)
		b.BroadcastNewAlert(context.Background(), testAlert(fmt.Sprintf("r%d", i), alert.SeverityHigh), "")
		if got := limited.count(message.TypeNotification); got != s.want {
			t.Errorf("after broadcast at %v received %d, want %d", s.at, got, s.want)
		}
	}
}

func TestMarkAcknowledgedCompletesDeliveryRecords(t *testing.T) {
	reg := subscription.NewRegistry(nil)
	sink := &memSink{}
	b := New(Config{}, reg, sink, nil)
	sent := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	now := sent
	b.now = func() time.Time { return now }

	subscribe(t, reg, "c1", &fakeConn{storeID: "store-1"}, subscription.Request{})
	subscribe(t, reg, "c2", &fakeConn{storeID: "store-1"}, subscription.Request{})

	if n := b.BroadcastNewAlert(context.Background(), testAlert("a1", alert.SeverityHigh), ""); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	b.BroadcastEscalation(context.Background(), "store-1", "a1", alert.SeverityCritical, "unacknowledged")

	pending := b.Deliveries("a1")
	if len(pending) != 2 {
		t.Fatalf("pending records = %d, want 2 notifications", len(pending))
	}
	for _, m := range pending {
		if !m.SentAt.Equal(sent) || m.DeliveredAt == nil || m.AcknowledgedAt != nil {
			t.Errorf("pending record = %+v, want sent and delivered, not acknowledged", m)
		}
	}

	now = sent.Add(90 * time.Second)
	if n := b.MarkAcknowledged("a1", "user-7"); n != 2 {
		t.Fatalf("MarkAcknowledged() = %d, want 2", n)
	}
	if n := b.MarkAcknowledged("a1", "user-7"); n != 0 {
		t.Errorf("second MarkAcknowledged() = %d, want 0", n)
	}
	if b.Stats().Acknowledged != 2 {
		t.Errorf("Acknowledged = %d, want 2", b.Stats().Acknowledged)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	acked := 0
	for _, m := range sink.metrics {
		if m.Status != StatusAcknowledged {
			continue
		}
		acked++
		if m.AcknowledgedAt == nil || !m.AcknowledgedAt.Equal(now) || m.AcknowledgedBy != "user-7" {
			t.Errorf("acknowledged record = %+v", m)
		}
		if m.DeliveredAt == nil || m.SentAt.After(*m.DeliveredAt) {
			t.Errorf("acknowledged record lost delivery times: %+v", m)
		}
	}
	if acked != 2 {
		t.Errorf("acknowledged records written = %d, want 2", acked)
	}
}

func TestDeliveryTrackerPrunesUnacknowledged(t *testing.T) {
	tr := NewDeliveryTracker(nil, nil)
	old := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr.Track(DeliveryMetric{AlertID: "stale", MessageType: message.TypeNotification, Status: StatusDelivered, SentAt: old})

	fresh := old.Add(DefaultAckRetention + time.Hour)
	for i := range pendingPruneEvery - 1 {
		tr.Track(DeliveryMetric{
			AlertID:     fmt.Sprintf("a%d", i),
			MessageType: message.TypeNotification,
			Status:      StatusDelivered,
			SentAt:      fresh,
		})
	}
	if got := tr.Pending("stale"); len(got) != 0 {
		t.Errorf("stale records kept past retention: %d", len(got))
	}
	if got := tr.Pending("a0"); len(got) != 1 {
		t.Errorf("fresh records = %d, want 1", len(got))
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	reg := subscription.NewRegistry(nil)
	sink := &memSink{}
	b := New(Config{LatencyTarget: 10 * time.Millisecond}, reg, sink, nil)

	broken := &fakeConn{storeID: "store-1", failSend: true}
	closed := &fakeConn{storeID: "store-1"}
	slow := &fakeConn{storeID: "store-1", delay: 30 * time.Millisecond}
	healthy := &fakeConn{storeID: "store-1"}
	subscribe(t, reg, "broken", broken, subscription.Request{})
	subscribe(t, reg, "closed", closed, subscription.Request{})
	subscribe(t, reg, "slow", slow, subscription.Request{})
	subscribe(t, reg, "healthy", healthy, subscription.Request{})
	closed.mu.Lock()
	closed.closed = true
	closed.mu.Unlock()

	n := b.BroadcastNewAlert(context.Background(), testAlert("a1", alert.SeverityHigh), "snap.jpg")
	if n != 2 {
		t.Errorf("delivered = %d, want 2 (slow and healthy)", n)
	}
	if healthy.count(message.TypeNotification) != 1 || slow.count(message.TypeNotification) != 1 {
		t.Error("healthy or slow subscriber missed the alert")
	}

	stats := b.Stats()
	if stats.Failed != 1 || stats.Closed != 1 {
		t.Errorf("stats = %+v, want 1 failed 1 closed", stats)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.metrics) != 4 {
		t.Errorf("sink got %d metrics, want 4", len(sink.metrics))
	}
}

func TestLifecycleBroadcastsIgnoreFilters(t *testing.T) {
	reg := subscription.NewRegistry(nil)
	b := New(Config{}, reg, nil, nil)

	conn := &fakeConn{storeID: "store-1"}
	subscribe(t, reg, "c1", conn, subscription.Request{
		Filters:     subscription.Filters{Severity: []alert.Severity{alert.SeverityCritical}},
		Preferences: subscription.Preferences{MaxAlertsPerMinute: 1},
	})

	ctx := context.Background()
	if n := b.BroadcastAcknowledgment(ctx, "store-1", "a1", "u1", "acknowledge"); n != 1 {
		t.Errorf("BroadcastAcknowledgment() = %d, want 1", n)
	}
	if n := b.BroadcastEscalation(ctx, "store-1", "a1", alert.SeverityCritical, "unattended"); n != 1 {
		t.Errorf("BroadcastEscalation() = %d, want 1", n)
	}
	if n := b.BroadcastResolution(ctx, "store-1", "a1", "u1", "resolved"); n != 1 {
		t.Errorf("BroadcastResolution() = %d, want 1", n)
	}
	if n := b.BroadcastBulkAcknowledgment(ctx, "store-1", []string{"a1", "a2"}, "u1"); n != 1 {
		t.Errorf("BroadcastBulkAcknowledgment() = %d, want 1", n)
	}
	if n := b.BroadcastAcknowledgment(ctx, "store-9", "a1", "u1", "acknowledge"); n != 0 {
		t.Errorf("broadcast to store without subscribers = %d, want 0", n)
	}

	for _, typ := range []message.Type{
		message.TypeAcknowledgment,
		message.TypeEscalation,
		message.TypeResolution,
		message.TypeBulkAcknowledgment,
	} {
		if conn.count(typ) != 1 {
			t.Errorf("received %d %s messages, want 1", conn.count(typ), typ)
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(time.Minute)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("c1", 1) {
		t.Fatal("first Allow() = false")
	}
	if rl.Allow("c1", 1) {
		t.Error("Allow() over limit = true")
	}
	if got := rl.Remaining("c1", 3); got != 2 {
		t.Errorf("Remaining() = %d, want 2", got)
	}

	now = now.Add(3 * time.Minute)
	if removed := rl.cleanup(); removed != 1 {
		t.Errorf("cleanup() removed %d, want 1", removed)
	}
	rl.Forget("c1")
	rl.Stop()
	rl.Stop()
}
