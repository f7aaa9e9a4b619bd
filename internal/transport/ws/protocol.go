package ws

import (
	"storewatch/internal/alert"
	"storewatch/internal/subscription"
)

// RequestType names a client message.
type RequestType string

const (
	TypeSubscribe       RequestType = "subscribe"
	TypeUnsubscribe     RequestType = "unsubscribe"
	TypeUpdateFilters   RequestType = "update_filters"
	TypeAcknowledge     RequestType = "acknowledge"
	TypeDismiss         RequestType = "dismiss"
	TypeResolve         RequestType = "resolve"
	TypeBulkAcknowledge RequestType = "bulk_acknowledge"
	TypeEscalate        RequestType = "escalate"
)

// Request is any message a client sends. Fields not used by Type are ignored.
type Request struct {
	Type        RequestType              `json:"type"`
	StoreID     string                   `json:"storeId,omitempty"`
	Filters     subscription.Filters     `json:"filters"`
	Preferences subscription.Preferences `json:"preferences"`
	AlertID     string                   `json:"alertId,omitempty"`
	AlertIDs    []string                 `json:"alertIds,omitempty"`
	Notes       string                   `json:"notes,omitempty"`
	Resolution  string                   `json:"resolution,omitempty"`
	Severity    alert.Severity           `json:"severity,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
}
