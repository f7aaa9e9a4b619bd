// Package escalation re-evaluates unacknowledged alerts against escalation rules and
// executes the configured actions when a rule's window elapses.
package escalation

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"storewatch/internal/alert"
	"storewatch/internal/detection"
)

// DefaultTimeWindow is used when a rule does not set time_window_minutes.
const DefaultTimeWindow = 15 * time.Minute

// Conditions select the alerts a rule applies to.
type Conditions struct {
	Severities         []alert.Severity `yaml:"severities,omitempty" json:"severities,omitempty"` // empty = all
	Types              []string         `yaml:"types,omitempty" json:"types,omitempty"`           // empty = all
	AfterHours         bool             `yaml:"after_hours" json:"afterHours"`
	RestrictedArea     bool             `yaml:"restricted_area" json:"restrictedArea"`
	TimeWindowMinutes  int              `yaml:"time_window_minutes" json:"timeWindowMinutes"`
	UnacknowledgedOnly bool             `yaml:"unacknowledged_only" json:"unacknowledgedOnly"`
}

// AutomatedActions are the response actions a rule triggers.
type AutomatedActions struct {
	CreateIncident    bool `yaml:"create_incident" json:"createIncident"`
	NotifyAuthorities bool `yaml:"notify_authorities" json:"notifyAuthorities"`
	LockdownArea      bool `yaml:"lockdown_area" json:"lockdownArea"`
}

// Actions is what happens when a rule fires.
type Actions struct {
	NotifyUsers []string         `yaml:"notify_users,omitempty" json:"notifyUsers,omitempty"`
	NotifyRoles []string         `yaml:"notify_roles,omitempty" json:"notifyRoles,omitempty"`
	NewSeverity alert.Severity   `yaml:"new_severity,omitempty" json:"newSeverity,omitempty"`
	NewPriority alert.Priority   `yaml:"new_priority,omitempty" json:"newPriority,omitempty"`
	AssignTo    string           `yaml:"assign_to,omitempty" json:"assignTo,omitempty"`
	Automated   AutomatedActions `yaml:"automated" json:"automated"`
}

// Rule is an escalation rule. An empty StoreID makes it a global default.
type Rule struct {
	ID         string     `yaml:"id" json:"id"`
	Name       string     `yaml:"name" json:"name"`
	StoreID    string     `yaml:"store_id,omitempty" json:"storeId,omitempty"`
	Enabled    bool       `yaml:"enabled" json:"enabled"`
	Conditions Conditions `yaml:"conditions" json:"conditions"`
	Actions    Actions    `yaml:"actions" json:"actions"`
}

// Window returns how long after alert creation the rule becomes due.
func (r Rule) Window() time.Duration {
	if r.Conditions.TimeWindowMinutes <= 0 {
		return DefaultTimeWindow
	}
	return time.Duration(r.Conditions.TimeWindowMinutes) * time.Minute
}

// Matches checks the rule's static conditions against a. Time and acknowledgment
// state are checked separately when the rule comes due.
func (r Rule) Matches(a *alert.Alert) bool {
	if r.StoreID != "" && r.StoreID != a.StoreID {
		return false
	}
	if len(r.Conditions.Severities) > 0 && !containsSeverity(r.Conditions.Severities, a.Severity) {
		return false
	}
	if len(r.Conditions.Types) > 0 {
		typ := detection.NormalizeType(a.Type)
		found := false
		for _, t := range r.Conditions.Types {
			if detection.NormalizeType(t) == typ {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Conditions.AfterHours && !a.Metadata.AfterHours {
		return false
	}
	if r.Conditions.RestrictedArea && !a.Metadata.RestrictedArea {
		return false
	}
	return true
}

// Validate checks a single rule.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Conditions.TimeWindowMinutes < 0 {
		return fmt.Errorf("rule %s: time_window_minutes must not be negative", r.ID)
	}
	for _, s := range r.Conditions.Severities {
		if !s.Valid() {
			return fmt.Errorf("rule %s: invalid severity %q", r.ID, s)
		}
	}
	if r.Actions.NewSeverity != "" && !r.Actions.NewSeverity.Valid() {
		return fmt.Errorf("rule %s: invalid new_severity %q", r.ID, r.Actions.NewSeverity)
	}
	if r.Actions.NewPriority != "" && !r.Actions.NewPriority.Valid() {
		return fmt.Errorf("rule %s: invalid new_priority %q", r.ID, r.Actions.NewPriority)
	}
	return nil
}

// RuleFile is the on-disk layout of an escalation rules file.
type RuleFile struct {
	Rules []Rule `yaml:"escalation_rules"`
}

// ParseRules parses and validates rules from YAML.
func ParseRules(data []byte) ([]Rule, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse escalation rules: %w", err)
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
		return nil, fmt.Errorf("failed to read escalation rules: %w", err)
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
			return fmt.Errorf("duplicate escalation rule ID %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// DefaultRules returns the global rules used when none are configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "unacknowledged-high",
			Name:    "Unacknowledged high severity alert",
			Enabled: true,
			Conditions: Conditions{
				Severities:         []alert.Severity{alert.SeverityHigh},
				TimeWindowMinutes:  15,
				UnacknowledgedOnly: true,
			},
			Actions: Actions{
				NotifyRoles: []string{"store_manager"},
				NewSeverity: alert.SeverityCritical,
				NewPriority: alert.PriorityImmediate,
			},
		},
		{
			ID:      "unacknowledged-critical",
			Name:    "Unacknowledged critical alert",
			Enabled: true,
			Conditions: Conditions{
				Severities:         []alert.Severity{alert.SeverityCritical},
				TimeWindowMinutes:  5,
				UnacknowledgedOnly: true,
			},
			Actions: Actions{
				NotifyRoles: []string{"store_manager", "security_lead"},
				Automated:   AutomatedActions{CreateIncident: true},
			},
		},
		{
			ID:      "after-hours-restricted",
			Name:    "After-hours activity in a restricted area",
			Enabled: true,
			Conditions: Conditions{
				AfterHours:         true,
				RestrictedArea:     true,
				TimeWindowMinutes:  10,
				UnacknowledgedOnly: true,
			},
			Actions: Actions{
				NotifyRoles: []string{"security_lead"},
				Automated:   AutomatedActions{NotifyAuthorities: true, LockdownArea: true},
			},
		},
	}
}

func containsSeverity(list []alert.Severity, s alert.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
