// Package subscription tracks which connected clients want which store's alerts.
package subscription

import (
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/detection"
	"storewatch/internal/message"
)

// DefaultMaxAlertsPerMinute applies when a subscription does not set a rate.
const DefaultMaxAlertsPerMinute = 10

// Filters narrow a subscription. An empty list matches everything.
type Filters struct {
	Severity []alert.Severity `json:"severity,omitempty" validate:"omitempty,max=4,dive,severity"`
	Types    []string         `json:"types,omitempty" validate:"omitempty,max=64,dive,required,max=64"`
	Cameras  []string         `json:"cameras,omitempty" validate:"omitempty,max=256,dive,ident"`
	Areas    []string         `json:"areas,omitempty" validate:"omitempty,max=64,dive,required,max=128"`
}

// Preferences tune delivery for one client.
type Preferences struct {
	MaxAlertsPerMinute  int  `json:"maxAlertsPerMinute" validate:"gte=0,lte=600"`
	SuppressLowSeverity bool `json:"suppressLowSeverity"`
	OnlyAssignedAlerts  bool `json:"onlyAssignedAlerts"`
	PushNotifications   bool `json:"pushNotifications"`
}

// Request is the payload a client sends to subscribe.
type Request struct {
	StoreID     string      `json:"storeId" validate:"required,ident"`
	Filters     Filters     `json:"filters"`
	Preferences Preferences `json:"preferences"`
}

// Subscription is a registered client's interest in a store's alert stream.
type Subscription struct {
	ClientID    string      `json:"clientId"`
	UserID      string      `json:"userId"`
	StoreID     string      `json:"storeId"`
	Filters     Filters     `json:"filters"`
	Preferences Preferences `json:"preferences"`
	CreatedAt   time.Time   `json:"createdAt"`
}

func (s Subscription) clone() Subscription {
	c := s
	c.Filters = s.Filters.clone()
	return c
}

func (f Filters) clone() Filters {
	return Filters{
		Severity: append([]alert.Severity(nil), f.Severity...),
		Types:    append([]string(nil), f.Types...),
		Cameras:  append([]string(nil), f.Cameras...),
		Areas:    append([]string(nil), f.Areas...),
	}
}

// normalized returns a copy of f with threat types in the canonical form alerts
// are stored with.
func (f Filters) normalized() Filters {
	c := f.clone()
	for i, t := range c.Types {
		c.Types[i] = detection.NormalizeType(t)
	}
	return c
}

// Principal is the authenticated identity behind a connection.
type Principal struct {
	UserID        string
	StoreID       string
	Role          string
	Authenticated bool
}

// Connection is a bidirectional message channel to one client.
type Connection interface {
	Send(msg message.Message) error
	IsOpen() bool
	Principal() Principal
}

// Matches reports whether a should be delivered under sub's filters and preferences.
func Matches(sub Subscription, a *alert.Alert) bool {
	if len(sub.Filters.Severity) > 0 && !containsSeverity(sub.Filters.Severity, a.Severity) {
		return false
	}
	if len(sub.Filters.Types) > 0 && !contains(sub.Filters.Types, detection.NormalizeType(a.Type)) {
		return false
	}
	if len(sub.Filters.Cameras) > 0 && !contains(sub.Filters.Cameras, a.CameraID) {
		return false
	}
	if len(sub.Filters.Areas) > 0 && !contains(sub.Filters.Areas, a.Location.Area) {
		return false
	}
	if sub.Preferences.SuppressLowSeverity && a.Severity == alert.SeverityLow {
		return false
	}
	if sub.Preferences.OnlyAssignedAlerts && a.AssignedTo != sub.UserID {
		return false
	}
	return true
}

// RateLimit returns the client's per-minute delivery cap.
func (s Subscription) RateLimit() int {
	if s.Preferences.MaxAlertsPerMinute <= 0 {
		return DefaultMaxAlertsPerMinute
	}
	return s.Preferences.MaxAlertsPerMinute
}

func containsSeverity(list []alert.Severity, s alert.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
