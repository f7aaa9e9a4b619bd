package escalation

import (
	"context"
	"time"

	"storewatch/internal/alert"
)

// Execution is the immutable record of one rule firing against one alert.
type Execution struct {
	ID           string    `json:"id"`
	AlertID      string    `json:"alertId"`
	RuleID       string    `json:"ruleId"`
	StoreID      string    `json:"storeId"`
	Trigger      string    `json:"trigger"`
	ExecutedAt   time.Time `json:"executedAt"`
	ActionsTaken []string  `json:"actionsTaken"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
}

// Alerts is the slice of the alert store the scheduler needs.
type Alerts interface {
	GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error)
	UpdateAlert(ctx context.Context, id string, u alert.Update) (*alert.Alert, error)
	QueryActiveAlerts(ctx context.Context, since time.Time) ([]*alert.Alert, error)
}

// RuleSource returns the escalation rules that apply to a store: the store's own
// rules followed by the global defaults.
type RuleSource interface {
	GetEscalationRules(ctx context.Context, storeID string) ([]Rule, error)
}

// ExecutionLog is the durable execution history.
type ExecutionLog interface {
	RecordExecution(ctx context.Context, e *Execution) error
	HasSuccessfulExecution(ctx context.Context, alertID, ruleID string) (bool, error)
	ListExecutions(ctx context.Context, alertID string) ([]*Execution, error)
}

// AuditSink receives a copy of every execution for long-term analytics.
type AuditSink interface {
	WriteExecution(e *Execution) error
}

// StaticRules serves a fixed rule list, filtering by store.
type StaticRules []Rule

// GetEscalationRules implements RuleSource.
func (s StaticRules) GetEscalationRules(_ context.Context, storeID string) ([]Rule, error) {
	var store, global []Rule
	for _, r := range s {
		switch r.StoreID {
		case storeID:
			store = append(store, r)
		case "":
			global = append(global, r)
		}
	}
	return append(store, global...), nil
}
