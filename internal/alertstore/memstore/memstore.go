// Package memstore is an in-memory alertstore.Gateway for single-node deployments and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/alertstore"
	"storewatch/internal/escalation"
)

// Store keeps alerts, acknowledgments and escalation executions in memory.
// Returned alerts are copies; callers never share state with the store.
type Store struct {
	mu         sync.RWMutex
	alerts     map[string]*alert.Alert
	acks       map[string][]*alert.Acknowledgment
	executions map[string][]*escalation.Execution
	rules      escalation.StaticRules
	now        func() time.Time
}

var _ alertstore.Gateway = (*Store)(nil)

// New creates an empty store serving the given escalation rules.
func New(rules []escalation.Rule) *Store {
	return &Store{
		alerts:     make(map[string]*alert.Alert),
		acks:       make(map[string][]*alert.Acknowledgment),
		executions: make(map[string][]*escalation.Execution),
		rules:      escalation.StaticRules(rules),
		now:        time.Now,
	}
}

// SetClock replaces the store's clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateAlert stores a new alert.
func (s *Store) CreateAlert(_ context.Context, a *alert.Alert) (*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[a.ID]; exists {
		return nil, fmt.Errorf("alert %s already exists", a.ID)
	}
	stored := a.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
		stored.UpdatedAt = stored.CreatedAt
	}
	s.alerts[stored.ID] = stored
	return stored.Clone(), nil
}

// UpdateAlert applies a partial update.
func (s *Store) UpdateAlert(_ context.Context, id string, u alert.Update) (*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", alertstore.ErrNotFound, id)
	}
	next := a.Clone()
	if err := next.Apply(u, s.now()); err != nil {
		return nil, err
	}
	s.alerts[id] = next
	return next.Clone(), nil
}

// GetAlert returns the alert, or false if it does not exist.
func (s *Store) GetAlert(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// QueryRecentAlertsForCamera returns the camera's alerts created within window, newest first.
func (s *Store) QueryRecentAlertsForCamera(_ context.Context, cameraID string, window time.Duration) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-window)
	var out []*alert.Alert
	for _, a := range s.alerts {
		if a.CameraID == cameraID && !a.CreatedAt.Before(cutoff) {
			out = append(out, a.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// QueryRecentAlertsForStore returns the store's alerts created within window, newest first.
func (s *Store) QueryRecentAlertsForStore(_ context.Context, storeID string, window time.Duration) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-window)
	var out []*alert.Alert
	for _, a := range s.alerts {
		if a.StoreID == storeID && !a.CreatedAt.Before(cutoff) {
			out = append(out, a.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// QueryActiveAlerts returns OPEN and IN_PROGRESS alerts created at or after since.
func (s *Store) QueryActiveAlerts(_ context.Context, since time.Time) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*alert.Alert
	for _, a := range s.alerts {
		if a.Status != alert.StatusOpen && a.Status != alert.StatusInProgress {
			continue
		}
		if a.CreatedAt.Before(since) {
			continue
		}
		out = append(out, a.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

// AcknowledgeAlert applies an operator action and records it under one lock, so the
// alert and the acknowledgment record change together.
func (s *Store) AcknowledgeAlert(_ context.Context, id, userID string, action alert.AckAction, notes string) (*alert.Alert, *alert.Acknowledgment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", alertstore.ErrNotFound, id)
	}
	next := a.Clone()
	ack, err := next.Acknowledge(userID, action, notes, s.now())
	if err != nil {
		return nil, nil, err
	}
	s.alerts[id] = next
	s.acks[id] = append(s.acks[id], ack)

	record := *ack
	return next.Clone(), &record, nil
}

// ListAcknowledgments returns the alert's acknowledgment records, oldest first.
func (s *Store) ListAcknowledgments(_ context.Context, alertID string) ([]*alert.Acknowledgment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*alert.Acknowledgment, 0, len(s.acks[alertID]))
	for _, ack := range s.acks[alertID] {
		c := *ack
		out = append(out, &c)
	}
	return out, nil
}

// GetEscalationRules implements escalation.RuleSource.
func (s *Store) GetEscalationRules(ctx context.Context, storeID string) ([]escalation.Rule, error) {
	return s.rules.GetEscalationRules(ctx, storeID)
}

// RecordExecution implements escalation.ExecutionLog. A second successful execution
// of the same rule for an alert is rejected.
func (s *Store) RecordExecution(_ context.Context, e *escalation.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Success {
		for _, prev := range s.executions[e.AlertID] {
			if prev.RuleID == e.RuleID && prev.Success {
				return fmt.Errorf("%w: alert %s rule %s", alertstore.ErrDuplicateExecution, e.AlertID, e.RuleID)
			}
		}
	}
	c := *e
	c.ActionsTaken = append([]string(nil), e.ActionsTaken...)
	s.executions[e.AlertID] = append(s.executions[e.AlertID], &c)
	return nil
}

// HasSuccessfulExecution implements escalation.ExecutionLog.
func (s *Store) HasSuccessfulExecution(_ context.Context, alertID, ruleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.executions[alertID] {
		if e.RuleID == ruleID && e.Success {
			return true, nil
		}
	}
	return false, nil
}

// ListExecutions implements escalation.ExecutionLog.
func (s *Store) ListExecutions(_ context.Context, alertID string) ([]*escalation.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*escalation.Execution, 0, len(s.executions[alertID]))
	for _, e := range s.executions[alertID] {
		c := *e
		c.ActionsTaken = append([]string(nil), e.ActionsTaken...)
		out = append(out, &c)
	}
	return out, nil
}

// Len returns the number of stored alerts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}

func sortNewestFirst(list []*alert.Alert) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
