// Package alert defines the alert record and its lifecycle rules.
package alert

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrImmutable is returned when a closed alert would be modified.
var ErrImmutable = errors.New("alert is closed and can no longer be modified")

// ErrAcknowledged is returned when an update guarded by IfUnacknowledged meets an
// acknowledged alert.
var ErrAcknowledged = errors.New("alert was acknowledged")

// ErrInvalidAction is returned for an unknown acknowledgment action.
var ErrInvalidAction = errors.New("invalid acknowledgment action")

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusEscalated  Status = "ESCALATED"
	StatusDismissed  Status = "DISMISSED"
	StatusResolved   Status = "RESOLVED"
)

// IsTerminal reports whether the status closes the alert.
func (s Status) IsTerminal() bool {
	return s == StatusDismissed || s == StatusResolved
}

// Category groups alerts by the kind of response they need.
type Category string

const (
	CategorySecurity    Category = "security"
	CategorySafety      Category = "safety"
	CategoryOperational Category = "operational"
	CategoryMaintenance Category = "maintenance"
)

// Coordinates locates an alert in the camera frame or on a floor plan.
type Coordinates struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// Location describes where in the store an alert happened.
type Location struct {
	Area        string       `json:"area,omitempty"`
	Zone        string       `json:"zone,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Metadata carries detection details and audit data.
type Metadata struct {
	Confidence         float64        `json:"confidence"`
	RecommendedActions []string       `json:"recommendedActions,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	DetectionID        string         `json:"detectionId,omitempty"`
	Source             string         `json:"source,omitempty"`
	AfterHours         bool           `json:"afterHours,omitempty"`
	RestrictedArea     bool           `json:"restrictedArea,omitempty"`
	EscalationRequired bool           `json:"escalationRequired,omitempty"`
	SuppressUntil      *time.Time     `json:"suppressUntil,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
}

// Alert is a persisted, classified record of a security-relevant event.
type Alert struct {
	ID         string `json:"id"`
	StoreID    string `json:"storeId"`
	CameraID   string `json:"cameraId,omitempty"`
	IncidentID string `json:"incidentId,omitempty"`

	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Priority Priority `json:"priority"`
	Category Category `json:"category"`

	Status         Status     `json:"status"`
	IsActive       bool       `json:"isActive"`
	IsRead         bool       `json:"isRead"`
	AssignedTo     string     `json:"assignedTo,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResponseTime   *int64     `json:"responseTime,omitempty"` // seconds from creation to first acknowledgment

	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Location Location `json:"location"`
	Metadata Metadata `json:"metadata"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New fills in identity and lifecycle defaults for a freshly classified alert.
func New(a Alert, now time.Time) *Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusOpen
	}
	a.IsActive = true
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	return &a
}

// Clone returns a deep copy so callers can't mutate shared state.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	if a.ResponseTime != nil {
		rt := *a.ResponseTime
		c.ResponseTime = &rt
	}
	if a.Location.Coordinates != nil {
		co := *a.Location.Coordinates
		c.Location.Coordinates = &co
	}
	c.Metadata.RecommendedActions = append([]string(nil), a.Metadata.RecommendedActions...)
	c.Metadata.Tags = append([]string(nil), a.Metadata.Tags...)
	c.Metadata.SuppressUntil = cloneTime(a.Metadata.SuppressUntil)
	if a.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]any, len(a.Metadata.Extra))
		for k, v := range a.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	return &c
}

// Age returns how long ago the alert was created.
func (a *Alert) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}

// IsAcknowledged reports whether anyone has acknowledged the alert.
func (a *Alert) IsAcknowledged() bool {
	return a.AcknowledgedAt != nil
}

// Update is a partial modification of an alert. Nil fields are left unchanged.
type Update struct {
	Status     *Status   `json:"status,omitempty"`
	Severity   *Severity `json:"severity,omitempty"`
	Priority   *Priority `json:"priority,omitempty"`
	AssignedTo *string   `json:"assignedTo,omitempty"`
	IncidentID *string   `json:"incidentId,omitempty"`
	IsActive   *bool     `json:"isActive,omitempty"`

	// IfUnacknowledged makes the update fail with ErrAcknowledged when the alert
	// has been acknowledged. Stores check it in the same critical section as the write.
	IfUnacknowledged bool `json:"-"`

	// Audit metadata, allowed on closed alerts.
	IsRead  *bool          `json:"isRead,omitempty"`
	AddTags []string       `json:"addTags,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func (u Update) touchesState() bool {
	return u.Status != nil || u.Severity != nil || u.Priority != nil ||
		u.AssignedTo != nil || u.IncidentID != nil || u.IsActive != nil
}

// Apply mutates the alert in place. Closed alerts only accept audit metadata.
func (a *Alert) Apply(u Update, now time.Time) error {
	if a.Status.IsTerminal() && u.touchesState() {
		return ErrImmutable
	}
	if u.IfUnacknowledged && a.IsAcknowledged() {
		return ErrAcknowledged
	}
	if u.Severity != nil && !u.Severity.Valid() {
		return fmt.Errorf("invalid severity %q", *u.Severity)
	}
	if u.Priority != nil && !u.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", *u.Priority)
	}

	if u.Status != nil {
		a.Status = *u.Status
		if a.Status.IsTerminal() {
			a.IsActive = false
		}
	}
	if u.Severity != nil {
		a.Severity = *u.Severity
	}
	if u.Priority != nil {
		a.Priority = *u.Priority
	}
	if u.AssignedTo != nil {
		a.AssignedTo = *u.AssignedTo
	}
	if u.IncidentID != nil {
		a.IncidentID = *u.IncidentID
	}
	if u.IsActive != nil {
		a.IsActive = *u.IsActive
	}
	if u.IsRead != nil {
		a.IsRead = *u.IsRead
	}
	for _, tag := range u.AddTags {
		if !containsString(a.Metadata.Tags, tag) {
			a.Metadata.Tags = append(a.Metadata.Tags, tag)
		}
	}
	if len(u.Extra) > 0 {
		if a.Metadata.Extra == nil {
			a.Metadata.Extra = make(map[string]any, len(u.Extra))
		}
		for k, v := range u.Extra {
			a.Metadata.Extra[k] = v
		}
	}
	a.UpdatedAt = now
	return nil
}

// AckAction is an operator's response to an alert.
type AckAction string

const (
	ActionAcknowledge AckAction = "acknowledge"
	ActionDismiss     AckAction = "dismiss"
	ActionResolve     AckAction = "resolve"
)

// Valid reports whether the action is known.
func (a AckAction) Valid() bool {
	switch a {
	case ActionAcknowledge, ActionDismiss, ActionResolve:
		return true
	}
	return false
}

// Acknowledgment is the audit record of one operator action on an alert.
type Acknowledgment struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alertId"`
	UserID    string    `json:"userId"`
	Action    AckAction `json:"action"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Acknowledge applies an operator action to the alert and returns the audit record.
// The first action of any kind stamps acknowledgedAt/By and responseTime.
func (a *Alert) Acknowledge(userID string, action AckAction, notes string, now time.Time) (*Acknowledgment, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if a.Status.IsTerminal() {
		return nil, ErrImmutable
	}

	if a.AcknowledgedAt == nil {
		at := now
		a.AcknowledgedAt = &at
		a.AcknowledgedBy = userID
		rt := int64(now.Sub(a.CreatedAt).Seconds())
		if rt < 0 {
			rt = 0
		}
		a.ResponseTime = &rt
	}

	switch action {
	case ActionAcknowledge:
		a.Status = StatusInProgress
	case ActionDismiss:
		a.Status = StatusDismissed
		a.IsActive = false
	case ActionResolve:
		at := now
		a.Status = StatusResolved
		a.IsActive = false
		a.ResolvedAt = &at
		a.ResolvedBy = userID
	}
	a.IsRead = true
	a.UpdatedAt = now

	return &Acknowledgment{
		ID:        uuid.NewString(),
		AlertID:   a.ID,
		UserID:    userID,
		Action:    action,
		Notes:     notes,
		CreatedAt: now,
	}, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
