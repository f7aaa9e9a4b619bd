package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Detection("accepted")
	m.Detection("accepted")
	m.Detection("duplicate")
	m.Delivery("alert_notification", "delivered", 20*time.Millisecond)
	m.Escalation("timer", "executed")
	m.SetArmedTimers(3)

	if got := testutil.ToFloat64(m.DetectionsTotal.WithLabelValues("accepted")); got != 2 {
		t.Errorf("accepted detections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("alert_notification", "delivered")); got != 1 {
		t.Errorf("deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ArmedTimers); got != 3 {
		t.Errorf("armed timers = %v, want 3", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	// None of these may panic.
	m.Detection("accepted")
	m.AlertCreated("high")
	m.AlertAction("acknowledge")
	m.Delivery("error", "failed", time.Second)
	m.Broadcast(time.Second)
	m.Escalation("sweep", "skipped")
	m.EscalationActionError("lockdown_area")
	m.SetArmedTimers(1)
	m.SetSubscribers(1)
	m.QueueDropped()
}
