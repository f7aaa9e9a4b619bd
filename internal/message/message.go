// Package message defines the envelopes sent to subscribed clients.
package message

import (
	"time"

	"storewatch/internal/alert"
)

// Type tags every outbound message.
type Type string

const (
	TypeNotification            Type = "alert_notification"
	TypeAcknowledgment          Type = "alert_acknowledgment"
	TypeEscalation              Type = "alert_escalation"
	TypeResolution              Type = "alert_resolution"
	TypeBulkAcknowledgment      Type = "alert_bulk_acknowledgment"
	TypeSubscriptionConfirmed   Type = "alert_subscription_confirmed"
	TypeUnsubscriptionConfirmed Type = "alert_unsubscription_confirmed"
	TypeFiltersUpdated          Type = "alert_filters_updated"
	TypeError                   Type = "error"
)

// Message is implemented by every outbound envelope.
type Message interface {
	MessageType() Type
}

// Notification announces a new alert.
type Notification struct {
	Type      Type         `json:"type"`
	Alert     *alert.Alert `json:"alert"`
	Snapshot  string       `json:"snapshot,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func (m Notification) MessageType() Type { return TypeNotification }

// Acknowledgment announces an operator action on an alert.
type Acknowledgment struct {
	Type      Type      `json:"type"`
	AlertID   string    `json:"alertId"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

func (m Acknowledgment) MessageType() Type { return TypeAcknowledgment }

// Escalation announces a severity change.
type Escalation struct {
	Type        Type           `json:"type"`
	AlertID     string         `json:"alertId"`
	NewSeverity alert.Severity `json:"newSeverity"`
	Reason      string         `json:"reason"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (m Escalation) MessageType() Type { return TypeEscalation }

// Resolution announces a resolved alert.
type Resolution struct {
	Type       Type      `json:"type"`
	AlertID    string    `json:"alertId"`
	UserID     string    `json:"userId"`
	Resolution string    `json:"resolution"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m Resolution) MessageType() Type { return TypeResolution }

// BulkAcknowledgment announces that several alerts were acknowledged at once.
type BulkAcknowledgment struct {
	Type      Type      `json:"type"`
	AlertIDs  []string  `json:"alertIds"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

func (m BulkAcknowledgment) MessageType() Type { return TypeBulkAcknowledgment }

// SubscriptionConfirmed is sent after a successful subscribe.
type SubscriptionConfirmed struct {
	Type         Type   `json:"type"`
	ClientID     string `json:"clientId"`
	StoreID      string `json:"storeId"`
	Subscription any    `json:"subscription"`
}

func (m SubscriptionConfirmed) MessageType() Type { return TypeSubscriptionConfirmed }

// UnsubscriptionConfirmed is sent after an explicit unsubscribe.
type UnsubscriptionConfirmed struct {
	Type     Type   `json:"type"`
	ClientID string `json:"clientId"`
}

func (m UnsubscriptionConfirmed) MessageType() Type { return TypeUnsubscriptionConfirmed }

// FiltersUpdated echoes the filters now in effect.
type FiltersUpdated struct {
	Type    Type `json:"type"`
	Filters any  `json:"filters"`
}

func (m FiltersUpdated) MessageType() Type { return TypeFiltersUpdated }

// Error reports a rejected request to the client.
type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (m Error) MessageType() Type { return TypeError }

// NewNotification builds an alert_notification.
func NewNotification(a *alert.Alert, snapshot string, now time.Time) Notification {
	return Notification{Type: TypeNotification, Alert: a, Snapshot: snapshot, Timestamp: now}
}

// NewAcknowledgment builds an alert_acknowledgment.
func NewAcknowledgment(alertID, userID, action string, now time.Time) Acknowledgment {
	return Acknowledgment{Type: TypeAcknowledgment, AlertID: alertID, UserID: userID, Action: action, Timestamp: now}
}

// NewEscalation builds an alert_escalation.
func NewEscalation(alertID string, sev alert.Severity, reason string, now time.Time) Escalation {
	return Escalation{Type: TypeEscalation, AlertID: alertID, NewSeverity: sev, Reason: reason, Timestamp: now}
}

// NewResolution builds an alert_resolution.
func NewResolution(alertID, userID, resolution string, now time.Time) Resolution {
	return Resolution{Type: TypeResolution, AlertID: alertID, UserID: userID, Resolution: resolution, Timestamp: now}
}

// NewBulkAcknowledgment builds an alert_bulk_acknowledgment.
func NewBulkAcknowledgment(alertIDs []string, userID string, now time.Time) BulkAcknowledgment {
	return BulkAcknowledgment{Type: TypeBulkAcknowledgment, AlertIDs: alertIDs, UserID: userID, Timestamp: now}
}

// NewError builds an error message.
func NewError(code, msg string) Error {
	return Error{Type: TypeError, Code: code, Message: msg}
}
