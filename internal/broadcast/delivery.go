package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"storewatch/internal/message"
	"storewatch/internal/metrics"
)

// Delivery outcomes.
const (
	StatusDelivered    = "delivered"
	StatusFailed       = "failed"
	StatusRateLimited  = "rate_limited"
	StatusFiltered     = "filtered"
	StatusClosed       = "closed"
	StatusAcknowledged = "acknowledged"
)

// DefaultAckRetention is how long a delivered notification waits for an
// acknowledgment before the tracker forgets it.
const DefaultAckRetention = 24 * time.Hour

// pendingPruneEvery bounds how often expired pending records are swept.
const pendingPruneEvery = 256

// DeliveryMetric is the delivery record of one message to one client. SentAt is
// when the send started; DeliveredAt is set once the client accepted the message
// and AcknowledgedAt once an operator acknowledged the alert.
type DeliveryMetric struct {
	ClientID       string        `json:"clientId"`
	StoreID        string        `json:"storeId"`
	AlertID        string        `json:"alertId"`
	MessageType    message.Type  `json:"messageType"`
	Status         string        `json:"status"`
	Latency        time.Duration `json:"latency"`
	Error          string        `json:"error,omitempty"`
	SentAt         time.Time     `json:"sentAt"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	AcknowledgedAt *time.Time    `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string        `json:"acknowledgedBy,omitempty"`
}

// DeliverySink persists delivery metrics for analytics.
type DeliverySink interface {
	WriteDelivery(m DeliveryMetric) error
}

// DeliveryStats are cumulative delivery counts.
type DeliveryStats struct {
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	RateLimited  int64 `json:"rateLimited"`
	Filtered     int64 `json:"filtered"`
	Closed       int64 `json:"closed"`
	Acknowledged int64 `json:"acknowledged"`
}

// DeliveryTracker counts delivery outcomes and forwards them to the metrics
// registry and an optional sink. Delivered notifications are held per alert until
// the alert is acknowledged or the retention passes.
type DeliveryTracker struct {
	mu        sync.Mutex
	stats     DeliveryStats
	pending   map[string][]DeliveryMetric
	tracked   int
	retention time.Duration
	sink      DeliverySink
	metrics   *metrics.Metrics
}

// NewDeliveryTracker creates a tracker. sink may be nil.
func NewDeliveryTracker(sink DeliverySink, m *metrics.Metrics) *DeliveryTracker {
	return &DeliveryTracker{
		pending:   make(map[string][]DeliveryMetric),
		retention: DefaultAckRetention,
		sink:      sink,
		metrics:   m,
	}
}

// Track records one attempt.
func (t *DeliveryTracker) Track(m DeliveryMetric) {
	t.mu.Lock()
	switch m.Status {
	case StatusDelivered:
		t.stats.Delivered++
	case StatusFailed:
		t.stats.Failed++
	case StatusRateLimited:
		t.stats.RateLimited++
	case StatusFiltered:
		t.stats.Filtered++
	case StatusClosed:
		t.stats.Closed++
	}
	if m.Status == StatusDelivered && m.MessageType == message.TypeNotification && m.AlertID != "" {
		t.tracked++
		if t.tracked%pendingPruneEvery == 0 {
			t.pruneLocked(m.SentAt.Add(-t.retention))
		}
		t.pending[m.AlertID] = append(t.pending[m.AlertID], m)
	}
	t.mu.Unlock()

	t.metrics.Delivery(string(m.MessageType), m.Status, m.Latency)
	t.write(m)
}

// MarkAcknowledged stamps every delivered notification of alertID with the
// acknowledgment and writes the completed records to the sink. It returns the
// records stamped; a second call for the same alert returns none.
func (t *DeliveryTracker) MarkAcknowledged(alertID, userID string, at time.Time) []DeliveryMetric {
	t.mu.Lock()
	recs := t.pending[alertID]
	delete(t.pending, alertID)
	t.stats.Acknowledged += int64(len(recs))
	t.mu.Unlock()

	for i := range recs {
		ackAt := at
		recs[i].Status = StatusAcknowledged
		recs[i].AcknowledgedAt = &ackAt
		recs[i].AcknowledgedBy = userID
		t.write(recs[i])
	}
	return recs
}

// Pending returns the delivered notifications of alertID awaiting acknowledgment.
func (t *DeliveryTracker) Pending(alertID string) []DeliveryMetric {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]DeliveryMetric(nil), t.pending[alertID]...)
}

func (t *DeliveryTracker) write(m DeliveryMetric) {
	if t.sink == nil || m.Status == StatusFiltered {
		return
	}
	if err := t.sink.WriteDelivery(m); err != nil {
		slog.Debug("failed to write delivery metric", "client_id", m.ClientID, "error", err)
	}
}

func (t *DeliveryTracker) pruneLocked(before time.Time) {
	for id, recs := range t.pending {
		if len(recs) > 0 && recs[len(recs)-1].SentAt.Before(before) {
			delete(t.pending, id)
		}
	}
}

// Stats returns a snapshot of the counters.
func (t *DeliveryTracker) Stats() DeliveryStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
