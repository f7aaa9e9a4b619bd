// Package metrics holds the Prometheus collectors of the alert engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for ingestion, delivery and escalation.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	DetectionsTotal        *prometheus.CounterVec
	AlertsCreatedTotal     *prometheus.CounterVec
	AlertActionsTotal      *prometheus.CounterVec
	DeliveriesTotal        *prometheus.CounterVec
	DeliveryDuration       *prometheus.HistogramVec
	BroadcastDuration      prometheus.Histogram
	EscalationsTotal       *prometheus.CounterVec
	EscalationActionErrors *prometheus.CounterVec
	ArmedTimers            prometheus.Gauge
	Subscribers            prometheus.Gauge
	QueueDroppedTotal      prometheus.Counter
}

// NewMetrics registers and returns metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storewatch_detections_total",
			Help: "Detections seen by the ingest adapter, by outcome.",
		}, []string{"result"}),
		AlertsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storewatch_alerts_created_total",
			Help: "Alerts persisted, by severity.",
		}, []string{"severity"}),
		AlertActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storewatch_alert_actions_total",
			Help: "Operator actions applied to alerts, by action.",
		}, []string{"action"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storewatch_deliveries_total",
			Help: "Per-client message deliveries, by message type and result.",
		}, []string{"type", "result"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storewatch_delivery_duration_seconds",
			Help:    "Duration of a single client send in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}, []string{"type"}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storewatch_broadcast_duration_seconds",
			Help:    "Duration of a full new-alert broadcast in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storewatch_escalations_total",
			Help: "Escalation rule evaluations, by trigger and result.",
		}, []string{"trigger", "result"}),
		EscalationActionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storewatch_escalation_action_errors_total",
			Help: "Failed escalation sub-actions, by action.",
		}, []string{"action"}),
		ArmedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storewatch_escalation_timers_armed",
			Help: "Escalation timers currently armed.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storewatch_subscribers",
			Help: "Registered alert stream subscribers.",
		}),
		QueueDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storewatch_detection_queue_dropped_total",
			Help: "Raw detections dropped because the ingest queue was full.",
		}),
	}

	reg.MustRegister(
		m.DetectionsTotal,
		m.AlertsCreatedTotal,
		m.AlertActionsTotal,
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.BroadcastDuration,
		m.EscalationsTotal,
		m.EscalationActionErrors,
		m.ArmedTimers,
		m.Subscribers,
		m.QueueDroppedTotal,
	)

	return m
}

// Detection counts one ingest outcome.
func (m *Metrics) Detection(result string) {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(result).Inc()
}

// AlertCreated counts one persisted alert.
func (m *Metrics) AlertCreated(severity string) {
	if m == nil {
		return
	}
	m.AlertsCreatedTotal.WithLabelValues(severity).Inc()
}

// AlertAction counts one operator action.
func (m *Metrics) AlertAction(action string) {
	if m == nil {
		return
	}
	m.AlertActionsTotal.WithLabelValues(action).Inc()
}

// Delivery records one client send attempt or skip.
func (m *Metrics) Delivery(msgType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(msgType, result).Inc()
	if d > 0 {
		m.DeliveryDuration.WithLabelValues(msgType).Observe(d.Seconds())
	}
}

// Broadcast records the duration of a whole fan-out.
func (m *Metrics) Broadcast(d time.Duration) {
	if m == nil {
		return
	}
	m.BroadcastDuration.Observe(d.Seconds())
}

// Escalation counts one rule evaluation.
func (m *Metrics) Escalation(trigger, result string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(trigger, result).Inc()
}

// EscalationActionError counts one failed sub-action.
func (m *Metrics) EscalationActionError(action string) {
	if m == nil {
		return
	}
	m.EscalationActionErrors.WithLabelValues(action).Inc()
}

// SetArmedTimers sets the armed timer gauge.
func (m *Metrics) SetArmedTimers(n int) {
	if m == nil {
		return
	}
	m.ArmedTimers.Set(float64(n))
}

// SetSubscribers sets the subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// QueueDropped counts one dropped raw detection.
func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.QueueDroppedTotal.Inc()
}
