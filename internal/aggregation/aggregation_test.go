package aggregation

import (
	"strings"
	"testing"
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/classifier"
	"storewatch/internal/detection"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func recentAlert(camera, typ string, age time.Duration) *alert.Alert {
	return &alert.Alert{
		ID:        camera + typ + age.String(),
		StoreID:   "store-1",
		CameraID:  camera,
		Type:      typ,
		CreatedAt: now.Add(-age),
	}
}

func loitering() detection.Detection {
	return detection.Detection{StoreID: "store-1", CameraID: "cam1", Type: "loitering", Confidence: 0.9}
}

// ============================================================================
// Evaluate
// ============================================================================

func TestEvaluate_SuppressAtThreshold(t *testing.T) {
	agg := New([]Rule{{
		ID:         "flood",
		Enabled:    true,
		Conditions: Conditions{SameCamera: true, TimeWindowMinutes: 5, MaxAlerts: 3},
		Action:     ActionSuppress,
	}})

	recent := []*alert.Alert{
		recentAlert("cam1", "loitering", time.Minute),
		recentAlert("cam1", "theft", 2*time.Minute),
	}
	dec := agg.Evaluate(loitering(), classifier.Context{Now: now}, nil, recent)
	if dec.Suppress {
		t.Fatal("two alerts should not reach a threshold of three")
	}

	recent = append(recent, recentAlert("cam1", "running", 3*time.Minute))
	dec = agg.Evaluate(loitering(), classifier.Context{Now: now}, nil, recent)
	if !dec.Suppress || dec.RuleID != "flood" {
		t.Fatalf("expected suppression by flood, got %+v", dec)
	}
	if !strings.Contains(dec.Reason, "suppress") {
		t.Errorf("reason %q should mention suppression", dec.Reason)
	}
}

func TestEvaluate_WindowAndCameraFilters(t *testing.T) {
	agg := New([]Rule{{
		ID:         "flood",
		Enabled:    true,
		Conditions: Conditions{SameCamera: true, TimeWindowMinutes: 5, MaxAlerts: 2},
		Action:     ActionSuppress,
	}})

	recent := []*alert.Alert{
		recentAlert("cam1", "loitering", 10*time.Minute), // outside window
		recentAlert("cam2", "loitering", time.Minute),    // other camera
		recentAlert("cam1", "loitering", time.Minute),
	}
	dec := agg.Evaluate(loitering(), classifier.Context{Now: now}, nil, recent)
	if dec.Suppress {
		t.Errorf("only one alert matches, got %+v", dec)
	}
}

func TestEvaluate_SameThreatType(t *testing.T) {
	agg := New([]Rule{{
		ID:         "repeat",
		Enabled:    true,
		Conditions: Conditions{SameCamera: true, SameThreatType: true, TimeWindowMinutes: 10, MaxAlerts: 2},
		Action:     ActionMerge,
	}})

	recent := []*alert.Alert{
		recentAlert("cam1", "theft", time.Minute),
		recentAlert("cam1", "loitering", 2*time.Minute),
		recentAlert("cam1", "Loitering", 3*time.Minute),
	}
	dec := agg.Evaluate(loitering(), classifier.Context{Now: now}, nil, recent)
	if !dec.Suppress {
		t.Fatalf("merge should suppress, got %+v", dec)
	}
	if !strings.Contains(dec.Reason, "suppress") {
		t.Errorf("merge reason %q should mention suppression", dec.Reason)
	}
}

func TestEvaluate_EscalateContinues(t *testing.T) {
	agg := New([]Rule{
		{
			ID:         "escalate-a",
			Enabled:    true,
			Conditions: Conditions{TimeWindowMinutes: 30, MaxAlerts: 1},
			Action:     ActionEscalate,
		},
		{
			ID:         "escalate-b",
			Enabled:    true,
			Conditions: Conditions{SameThreatType: true, TimeWindowMinutes: 30, MaxAlerts: 1},
			Action:     ActionEscalate,
		},
		{
			ID:         "disabled",
			Enabled:    false,
			Conditions: Conditions{TimeWindowMinutes: 30, MaxAlerts: 1},
			Action:     ActionSuppress,
		},
	})

	cls := classifier.Classification{Severity: alert.SeverityMedium, Priority: alert.PriorityNormal}
	recent := []*alert.Alert{recentAlert("cam1", "loitering", time.Minute)}

	dec := agg.Evaluate(loitering(), classifier.Context{Now: now}, &cls, recent)
	if dec.Suppress {
		t.Fatal("disabled rule must not suppress")
	}
	if !dec.Escalate || len(dec.EscalatedBy) != 2 {
		t.Fatalf("expected two escalations, got %+v", dec)
	}
	if cls.Severity != alert.SeverityCritical || cls.Priority != alert.PriorityImmediate {
		t.Errorf("classification = %s/%s, want critical/immediate", cls.Severity, cls.Priority)
	}
	if !cls.EscalationRequired {
		t.Error("escalate rule should set escalationRequired")
	}
}

func TestEvaluate_SuppressShortCircuits(t *testing.T) {
	agg := New([]Rule{
		{ID: "stop", Enabled: true, Conditions: Conditions{TimeWindowMinutes: 5, MaxAlerts: 1}, Action: ActionSuppress, SuppressionDurationMinutes: 10},
		{ID: "never", Enabled: true, Conditions: Conditions{TimeWindowMinutes: 5, MaxAlerts: 1}, Action: ActionEscalate},
	})

	cls := classifier.Classification{Severity: alert.SeverityLow, Priority: alert.PriorityLow}
	dec := agg.Evaluate(loitering(), classifier.Context{Now: now}, &cls, []*alert.Alert{recentAlert("cam1", "x", time.Minute)})
	if !dec.Suppress || dec.Escalate {
		t.Fatalf("unexpected decision %+v", dec)
	}
	if cls.Severity != alert.SeverityLow {
		t.Error("rules after a suppression must not run")
	}
	if dec.SuppressUntil == nil || !dec.SuppressUntil.Equal(now.Add(10*time.Minute)) {
		t.Errorf("suppressUntil = %v", dec.SuppressUntil)
	}
}

func TestEvaluate_PassThrough(t *testing.T) {
	agg := New(DefaultRules())
	cls := classifier.Classification{Severity: alert.SeverityMedium, Priority: alert.PriorityNormal}
	dec := agg.Evaluate(loitering(), classifier.Context{Now: now}, &cls, nil)
	if dec.Suppress || dec.Escalate {
		t.Errorf("no recent alerts should pass through, got %+v", dec)
	}
	if cls.Severity != alert.SeverityMedium {
		t.Error("classification changed on pass through")
	}
}

func TestLookbackWindow(t *testing.T) {
	agg := New(DefaultRules())
	if got := agg.LookbackWindow(); got != 30*time.Minute {
		t.Errorf("LookbackWindow() = %v, want 30m", got)
	}
}

func TestStoreScoped(t *testing.T) {
	if !New(DefaultRules()).StoreScoped() {
		t.Error("default rules include persistent-threat, StoreScoped() = false")
	}
	cameraOnly := DefaultRules()[:2]
	if New(cameraOnly).StoreScoped() {
		t.Error("camera scoped rules reported store scoped")
	}
	disabled := DefaultRules()
	disabled[2].Enabled = false
	if New(disabled).StoreScoped() {
		t.Error("disabled store-wide rule counted")
	}
}

// ============================================================================
// Rule parsing
// ============================================================================

func TestParseRules(t *testing.T) {
	data := []byte(`
aggregation_rules:
  - id: flood
    name: Camera flood
    enabled: true
    conditions:
      same_camera: true
      time_window_minutes: 5
      max_alerts: 4
    action: suppress
    suppression_duration_minutes: 5
`)
	rules, err := ParseRules(data)
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if len(rules) != 1 || rules[0].Conditions.MaxAlerts != 4 || !rules[0].Conditions.SameCamera {
		t.Errorf("unexpected rules: %+v", rules)
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name    string
		rules   []Rule
		wantErr bool
	}{
		{"defaults", DefaultRules(), false},
		{"missing id", []Rule{{Action: ActionSuppress, Conditions: Conditions{TimeWindowMinutes: 1, MaxAlerts: 1}}}, true},
		{"bad action", []Rule{{ID: "a", Action: "drop", Conditions: Conditions{TimeWindowMinutes: 1, MaxAlerts: 1}}}, true},
		{"zero window", []Rule{{ID: "a", Action: ActionSuppress, Conditions: Conditions{MaxAlerts: 1}}}, true},
		{"duplicate", []Rule{
			{ID: "a", Action: ActionSuppress, Conditions: Conditions{TimeWindowMinutes: 1, MaxAlerts: 1}},
			{ID: "a", Action: ActionEscalate, Conditions: Conditions{TimeWindowMinutes: 1, MaxAlerts: 1}},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRules(tt.rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRules() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
