// Package aggregation evaluates noise-reduction rules over recently created alerts.
package aggregation

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Action is what a triggered rule does to the incoming detection.
type Action string

const (
	// ActionSuppress drops the detection.
	ActionSuppress Action = "suppress"
	// ActionMerge absorbs the detection into existing alerts. It currently behaves
	// exactly like ActionSuppress.
	ActionMerge Action = "merge"
	// ActionEscalate raises the classification one step and keeps evaluating.
	ActionEscalate Action = "escalate"
)

// Conditions select the recent alerts a rule counts.
type Conditions struct {
	SameCamera        bool `yaml:"same_camera" json:"sameCamera"`
	SameThreatType    bool `yaml:"same_threat_type" json:"sameThreatType"`
	TimeWindowMinutes int  `yaml:"time_window_minutes" json:"timeWindowMinutes"`
	MaxAlerts         int  `yaml:"max_alerts" json:"maxAlerts"`
}

// Window returns the rule's time window.
func (c Conditions) Window() time.Duration {
	return time.Duration(c.TimeWindowMinutes) * time.Minute
}

// Rule is one aggregation rule. Rules are loaded at startup and never change.
type Rule struct {
	ID                         string     `yaml:"id" json:"id"`
	Name                       string     `yaml:"name" json:"name"`
	Enabled                    bool       `yaml:"enabled" json:"enabled"`
	Conditions                 Conditions `yaml:"conditions" json:"conditions"`
	Action                     Action     `yaml:"action" json:"action"`
	SuppressionDurationMinutes int        `yaml:"suppression_duration_minutes,omitempty" json:"suppressionDurationMinutes,omitempty"`
}

// Validate checks a single rule.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	switch r.Action {
	case ActionSuppress, ActionMerge, ActionEscalate:
	default:
		return fmt.Errorf("rule %s: invalid action %q", r.ID, r.Action)
	}
	if r.Conditions.TimeWindowMinutes <= 0 {
		return fmt.Errorf("rule %s: time_window_minutes must be positive", r.ID)
	}
	if r.Conditions.MaxAlerts <= 0 {
		return fmt.Errorf("rule %s: max_alerts must be positive", r.ID)
	}
	if r.SuppressionDurationMinutes < 0 {
		return fmt.Errorf("rule %s: suppression_duration_minutes must not be negative", r.ID)
	}
	return nil
}

// RuleFile is the on-disk layout of an aggregation rules file.
type RuleFile struct {
	Rules []Rule `yaml:"aggregation_rules"`
}

// ParseRules parses and validates rules from YAML.
func ParseRules(data []byte) ([]Rule, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse aggregation rules: %w", err)
	}
	if err := ValidateRules(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// LoadRules reads rules from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregation rules: %w", err)
	}
	return ParseRules(data)
}

// ValidateRules validates every rule and checks for duplicate IDs.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate aggregation rule ID %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// DefaultRules returns the rules used when none are configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "camera-flood",
			Name:    "Suppress alert floods from one camera",
			Enabled: true,
			Conditions: Conditions{
				SameCamera:        true,
				TimeWindowMinutes: 5,
				MaxAlerts:         5,
			},
			Action:                     ActionSuppress,
			SuppressionDurationMinutes: 5,
		},
		{
			ID:      "repeated-threat",
			Name:    "Merge repeats of the same threat on one camera",
			Enabled: true,
			Conditions: Conditions{
				SameCamera:        true,
				SameThreatType:    true,
				TimeWindowMinutes: 10,
				MaxAlerts:         3,
			},
			Action: ActionMerge,
		},
		{
			ID:      "persistent-threat",
			Name:    "Escalate a threat type that keeps recurring",
			Enabled: true,
			Conditions: Conditions{
				SameThreatType:    true,
				TimeWindowMinutes: 30,
				MaxAlerts:         2,
			},
			Action: ActionEscalate,
		},
	}
}
