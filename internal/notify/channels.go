// Package notify delivers escalation notifications to people and hands automated
// response actions to external systems.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/escalation"
)

// Channel is one notification transport.
type Channel interface {
	Name() string
	Notify(ctx context.Context, userID string, n escalation.Notification) error
}

// postJSON posts v to url and fails on any non-2xx response.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, v any) (*http.Response, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// WebhookChannel posts notifications as JSON to an HTTP endpoint.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

// WebhookPayload is the body of a webhook notification.
type WebhookPayload struct {
	UserID       string                  `json:"userId"`
	Notification escalation.Notification `json:"notification"`
	SentAt       time.Time               `json:"sentAt"`
}

func (w *WebhookChannel) Notify(ctx context.Context, userID string, n escalation.Notification) error {
	resp, err := postJSON(ctx, w.client, w.url, w.headers, WebhookPayload{
		UserID:       userID,
		Notification: n,
		SentAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	resp.Body.Close()
	return nil
}

// SlackChannel posts notifications to a Slack incoming webhook, mentioning the user.
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a new Slack channel.
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Notify(ctx context.Context, userID string, n escalation.Notification) error {
	fields := []map[string]any{
		{"title": "Severity", "value": string(n.Severity), "short": true},
		{"title": "Priority", "value": string(n.Priority), "short": true},
		{"title": "Store", "value": n.StoreID, "short": true},
	}
	if n.Area != "" {
		fields = append(fields, map[string]any{"title": "Area", "value": n.Area, "short": true})
	}

	payload := map[string]any{
		"channel":  s.channel,
		"username": s.username,
		"text":     fmt.Sprintf("<@%s> alert escalated", userID),
		"attachments": []map[string]any{
			{
				"color":  severityColor(n.Severity),
				"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Title),
				"text":   n.Message,
				"fields": fields,
				"footer": fmt.Sprintf("Alert ID: %s | Rule: %s", n.AlertID, n.RuleID),
			},
		},
	}

	resp, err := postJSON(ctx, s.client, s.webhookURL, nil, payload)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	resp.Body.Close()
	return nil
}

func severityColor(sev alert.Severity) string {
	switch sev {
	case alert.SeverityCritical:
		return "#FF0000"
	case alert.SeverityHigh:
		return "#FFA500"
	case alert.SeverityMedium:
		return "#FFFF00"
	case alert.SeverityLow:
		return "#00FF00"
	default:
		return "#808080"
	}
}

// LogChannel writes notifications to the log.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a new log channel. A nil logger uses slog.Default.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Notify(ctx context.Context, userID string, n escalation.Notification) error {
	l.logger.InfoContext(ctx, "escalation notification",
		"user_id", userID,
		"alert_id", n.AlertID,
		"store_id", n.StoreID,
		"rule_id", n.RuleID,
		"severity", n.Severity,
		"title", n.Title,
	)
	return nil
}

// Fanout sends each notification on every channel. A user counts as notified when
// at least one channel succeeds.
type Fanout struct {
	channels []Channel
}

// NewFanout creates a fan-out notifier over channels.
func NewFanout(channels ...Channel) *Fanout {
	return &Fanout{channels: channels}
}

// Channels returns the configured channel names.
func (f *Fanout) Channels() []string {
	names := make([]string, 0, len(f.channels))
	for _, c := range f.channels {
		names = append(names, c.Name())
	}
	return names
}

// Notify implements escalation.Notifier.
func (f *Fanout) Notify(ctx context.Context, userID string, n escalation.Notification) error {
	if len(f.channels) == 0 {
		return errors.New("no notification channels configured")
	}

	var errs []error
	delivered := 0
	for _, c := range f.channels {
		if err := c.Notify(ctx, userID, n); err != nil {
			slog.Warn("notification channel failed", "channel", c.Name(), "user_id", userID, "alert_id", n.AlertID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
