package notify

import (
	"fmt"
	"log/slog"
)

// Config selects the notification channels and the automated-action endpoint.
type Config struct {
	Log      bool            `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Slack    *SlackConfig    `yaml:"slack"`
	// ResponderURL receives automated escalation actions. Empty disables them.
	ResponderURL     string            `yaml:"responder_url"`
	ResponderHeaders map[string]string `yaml:"responder_headers"`
}

// WebhookConfig configures one webhook channel.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// DefaultConfig logs notifications and configures nothing else.
func DefaultConfig() Config {
	return Config{Log: true}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
	}
	if c.Slack != nil && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack: webhook_url is required")
	}
	return nil
}

// Build creates the notifier described by c, and the responder when one is configured.
func Build(c Config, logger *slog.Logger) (*Fanout, *WebhookResponder) {
	var channels []Channel
	if c.Log {
		channels = append(channels, NewLogChannel(logger))
	}
	for i, w := range c.Webhooks {
		name := w.Name
		if name == "" {
			name = fmt.Sprintf("webhook-%d", i)
		}
		channels = append(channels, NewWebhookChannel(name, w.URL, w.Headers))
	}
	if c.Slack != nil {
		username := c.Slack.Username
		if username == "" {
			username = "storewatch"
		}
		channels = append(channels, NewSlackChannel(c.Slack.WebhookURL, c.Slack.Channel, username))
	}

	var responder *WebhookResponder
	if c.ResponderURL != "" {
		responder = NewWebhookResponder(c.ResponderURL, c.ResponderHeaders)
	}
	return NewFanout(channels...), responder
}
