// Package events defines the alert lifecycle events published for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"storewatch/internal/alert"
)

// Kind names a lifecycle transition.
type Kind string

const (
	AlertCreated          Kind = "alert.created"
	AlertAcknowledged     Kind = "alert.acknowledged"
	AlertDismissed        Kind = "alert.dismissed"
	AlertResolved         Kind = "alert.resolved"
	AlertEscalated        Kind = "alert.escalated"
	AlertBulkAcknowledged Kind = "alert.bulk_acknowledged"
)

// KindForAction maps an operator action to its event kind.
func KindForAction(action alert.AckAction) Kind {
	switch action {
	case alert.ActionDismiss:
		return AlertDismissed
	case alert.ActionResolve:
		return AlertResolved
	default:
		return AlertAcknowledged
	}
}

// Event is one lifecycle transition.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	StoreID    string         `json:"storeId"`
	AlertID    string         `json:"alertId"`
	UserID     string         `json:"userId,omitempty"`
	Alert      *alert.Alert   `json:"alert,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// New builds an event for a.
func New(kind Kind, a *alert.Alert, userID string, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		StoreID:    a.StoreID,
		AlertID:    a.ID,
		UserID:     userID,
		Alert:      a,
		OccurredAt: now,
	}
}

// Publisher delivers lifecycle events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }
