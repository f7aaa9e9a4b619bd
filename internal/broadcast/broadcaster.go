// Package broadcast fans alert messages out to subscribed clients.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"storewatch/internal/alert"
	apperrors "storewatch/internal/errors"
	"storewatch/internal/message"
	"storewatch/internal/metrics"
	"storewatch/internal/subscription"
)

// Config holds broadcaster configuration.
type Config struct {
	// LatencyTarget is advisory: slower deliveries are logged, never aborted.
	LatencyTarget time.Duration `yaml:"latency_target"`
	RateWindow    time.Duration `yaml:"rate_window"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// DefaultConfig returns the default broadcaster configuration.
func DefaultConfig() Config {
	return Config{
		LatencyTarget: 5 * time.Second,
		RateWindow:    time.Minute,
		CleanupPeriod: 5 * time.Minute,
	}
}

// Broadcaster delivers messages to the clients registered for a store. A failed or
// slow client never affects the others.
type Broadcaster struct {
	cfg      Config
	registry *subscription.Registry
	limiter  *RateLimiter
	tracker  *DeliveryTracker
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a broadcaster over registry. sink may be nil.
func New(cfg Config, registry *subscription.Registry, sink DeliverySink, m *metrics.Metrics) *Broadcaster {
	def := DefaultConfig()
	if cfg.LatencyTarget <= 0 {
		cfg.LatencyTarget = def.LatencyTarget
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = def.CleanupPeriod
	}
	return &Broadcaster{
		cfg:      cfg,
		registry: registry,
		limiter:  NewRateLimiter(cfg.RateWindow),
		tracker:  NewDeliveryTracker(sink, m),
		metrics:  m,
		now:      time.Now,
	}
}

// Start begins background cleanup of rate limiter state.
func (b *Broadcaster) Start() {
	b.limiter.StartCleanup(b.cfg.CleanupPeriod)
}

// Stop stops background work.
func (b *Broadcaster) Stop() {
	b.limiter.Stop()
}

// Forget drops per-client delivery state after a client disconnects.
func (b *Broadcaster) Forget(clientID string) {
	b.limiter.Forget(clientID)
}

// MarkAcknowledged completes the delivery records of alertID's notification with
// the acknowledgment and returns how many were stamped.
func (b *Broadcaster) MarkAcknowledged(alertID, userID string) int {
	return len(b.tracker.MarkAcknowledged(alertID, userID, b.now()))
}

// Deliveries returns the delivered notification records of alertID that await an
// acknowledgment.
func (b *Broadcaster) Deliveries(alertID string) []DeliveryMetric {
	return b.tracker.Pending(alertID)
}

// Stats returns cumulative delivery counts.
func (b *Broadcaster) Stats() DeliveryStats {
	return b.tracker.Stats()
}

// BroadcastNewAlert sends an alert_notification to every open subscriber of the
// alert's store whose filters match and who is under its rate limit. It waits for
// every attempt to settle and returns the number delivered.
func (b *Broadcaster) BroadcastNewAlert(ctx context.Context, a *alert.Alert, snapshot string) int {
	msg := message.NewNotification(a, snapshot, b.now())
	return b.fanOut(ctx, a.StoreID, a.ID, msg, func(s subscription.Subscriber) string {
		if !subscription.Matches(s.Subscription, a) {
			return StatusFiltered
		}
		if !b.limiter.Allow(s.ClientID, s.Subscription.RateLimit()) {
			return StatusRateLimited
		}
		return ""
	})
}

// BroadcastAcknowledgment tells every open client of the store about an operator action.
func (b *Broadcaster) BroadcastAcknowledgment(ctx context.Context, storeID, alertID, userID, action string) int {
	return b.fanOut(ctx, storeID, alertID, message.NewAcknowledgment(alertID, userID, action, b.now()), nil)
}

// BroadcastEscalation tells every open client of the store that an alert escalated.
func (b *Broadcaster) BroadcastEscalation(ctx context.Context, storeID, alertID string, sev alert.Severity, reason string) int {
	return b.fanOut(ctx, storeID, alertID, message.NewEscalation(alertID, sev, reason, b.now()), nil)
}

// BroadcastResolution tells every open client of the store that an alert was resolved.
func (b *Broadcaster) BroadcastResolution(ctx context.Context, storeID, alertID, userID, resolution string) int {
	return b.fanOut(ctx, storeID, alertID, message.NewResolution(alertID, userID, resolution, b.now()), nil)
}

// BroadcastBulkAcknowledgment tells every open client of the store that several
// alerts were acknowledged together.
func (b *Broadcaster) BroadcastBulkAcknowledgment(ctx context.Context, storeID string, alertIDs []string, userID string) int {
	return b.fanOut(ctx, storeID, "", message.NewBulkAcknowledgment(alertIDs, userID, b.now()), nil)
}

// fanOut delivers msg concurrently to the store's subscribers. gate, when set,
// returns a non-empty skip status for subscribers that must not receive msg.
func (b *Broadcaster) fanOut(ctx context.Context, storeID, alertID string, msg message.Message, gate func(subscription.Subscriber) string) int {
	start := b.now()
	subs := b.registry.Subscribers(storeID)
	if len(subs) == 0 {
		return 0
	}

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, s := range subs {
		if !s.Conn.IsOpen() {
			b.track(s, storeID, alertID, msg, StatusClosed, b.now(), 0, nil)
			continue
		}
		if gate != nil {
			if status := gate(s); status != "" {
				b.track(s, storeID, alertID, msg, status, b.now(), 0, nil)
				continue
			}
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(s subscription.Subscriber) {
			defer wg.Done()
			if b.deliver(s, storeID, alertID, msg) {
				delivered.Add(1)
			}
		}(s)
	}
	wg.Wait()

	elapsed := b.now().Sub(start)
	b.metrics.Broadcast(elapsed)
	n := int(delivered.Load())
	slog.Debug("broadcast complete",
		"type", msg.MessageType(),
		"store_id", storeID,
		"alert_id", alertID,
		"subscribers", len(subs),
		"delivered", n,
		"duration", elapsed,
	)
	return n
}

func (b *Broadcaster) deliver(s subscription.Subscriber, storeID, alertID string, msg message.Message) bool {
	start := b.now()
	err := s.Conn.Send(msg)
	latency := b.now().Sub(start)

	if latency > b.cfg.LatencyTarget {
		slog.Warn("slow alert delivery",
			"client_id", s.ClientID,
			"type", msg.MessageType(),
			"alert_id", alertID,
			"latency", latency,
			"target", b.cfg.LatencyTarget,
		)
	}
	if err != nil {
		derr := apperrors.Delivery(string(msg.MessageType()), s.ClientID, err)
		slog.Warn("alert delivery failed", "client_id", s.ClientID, "alert_id", alertID, "error", derr)
		b.track(s, storeID, alertID, msg, StatusFailed, start, latency, derr)
		return false
	}
	b.track(s, storeID, alertID, msg, StatusDelivered, start, latency, nil)
	return true
}

func (b *Broadcaster) track(s subscription.Subscriber, storeID, alertID string, msg message.Message, status string, sentAt time.Time, latency time.Duration, err error) {
	m := DeliveryMetric{
		ClientID:    s.ClientID,
		StoreID:     storeID,
		AlertID:     alertID,
		MessageType: msg.MessageType(),
		Status:      status,
		Latency:     latency,
		SentAt:      sentAt,
	}
	if status == StatusDelivered {
		deliveredAt := sentAt.Add(latency)
		m.DeliveredAt = &deliveredAt
	}
	if err != nil {
		m.Error = err.Error()
	}
	b.tracker.Track(m)
}
