package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"storewatch/internal/alert"
)

// WebhookResponder forwards automated escalation actions to an incident
// management endpoint under /incidents, /authorities and /lockdowns.
type WebhookResponder struct {
	baseURL string
	headers map[string]string
	client  *http.Client
}

// NewWebhookResponder creates a responder posting to baseURL.
func NewWebhookResponder(baseURL string, headers map[string]string) *WebhookResponder {
	return &WebhookResponder{
		baseURL: baseURL,
		headers: headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type responderRequest struct {
	Action   string         `json:"action"`
	AlertID  string         `json:"alertId,omitempty"`
	StoreID  string         `json:"storeId"`
	Area     string         `json:"area,omitempty"`
	Severity alert.Severity `json:"severity,omitempty"`
	Title    string         `json:"title,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// CreateIncident implements escalation.Responder. It returns the incidentId from
// the response body, if any.
func (r *WebhookResponder) CreateIncident(ctx context.Context, a *alert.Alert) (string, error) {
	resp, err := postJSON(ctx, r.client, r.baseURL+"/incidents", r.headers, responderRequest{
		Action:   "create_incident",
		AlertID:  a.ID,
		StoreID:  a.StoreID,
		Area:     a.Location.Area,
		Severity: a.Severity,
		Title:    a.Title,
		Message:  a.Message,
	})
	if err != nil {
		return "", fmt.Errorf("create incident: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		IncidentID string `json:"incidentId"`
	}
	// An empty or non-JSON body means the endpoint assigns no id.
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return body.IncidentID, nil
}

// NotifyAuthorities implements escalation.Responder.
func (r *WebhookResponder) NotifyAuthorities(ctx context.Context, a *alert.Alert) error {
	resp, err := postJSON(ctx, r.client, r.baseURL+"/authorities", r.headers, responderRequest{
		Action:   "notify_authorities",
		AlertID:  a.ID,
		StoreID:  a.StoreID,
		Area:     a.Location.Area,
		Severity: a.Severity,
		Title:    a.Title,
		Message:  a.Message,
	})
	if err != nil {
		return fmt.Errorf("notify authorities: %w", err)
	}
	resp.Body.Close()
	return nil
}

// LockdownArea implements escalation.Responder.
func (r *WebhookResponder) LockdownArea(ctx context.Context, storeID, area string) error {
	resp, err := postJSON(ctx, r.client, r.baseURL+"/lockdowns", r.headers, responderRequest{
		Action:  "lockdown_area",
		StoreID: storeID,
		Area:    area,
	})
	if err != nil {
		return fmt.Errorf("lockdown area: %w", err)
	}
	resp.Body.Close()
	return nil
}
