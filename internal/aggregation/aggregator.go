package aggregation

import (
	"fmt"
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/classifier"
	"storewatch/internal/detection"
)

// Decision is the outcome of evaluating all rules for one detection.
type Decision struct {
	Suppress bool
	Escalate bool
	// RuleID is the rule that suppressed the detection.
	RuleID string
	Reason string
	// EscalatedBy lists the rules that escalated the classification.
	EscalatedBy []string
	// SuppressUntil is set when the suppressing rule declares a duration.
	SuppressUntil *time.Time
}

// Aggregator evaluates a fixed rule set.
type Aggregator struct {
	rules []Rule
}

// New creates an aggregator over rules. Disabled rules are kept but skipped.
func New(rules []Rule) *Aggregator {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Aggregator{rules: cp}
}

// Rules returns a copy of the configured rules.
func (a *Aggregator) Rules() []Rule {
	cp := make([]Rule, len(a.rules))
	copy(cp, a.rules)
	return cp
}

// LookbackWindow is the widest window of any enabled rule; callers fetch recent alerts
// over at least this window.
func (a *Aggregator) LookbackWindow() time.Duration {
	var w time.Duration
	for _, r := range a.rules {
		if r.Enabled && r.Conditions.Window() > w {
			w = r.Conditions.Window()
		}
	}
	return w
}

// StoreScoped reports whether an enabled rule counts alerts from other cameras, so
// callers must fetch the store's recent alerts rather than the camera's.
func (a *Aggregator) StoreScoped() bool {
	for _, r := range a.rules {
		if r.Enabled && !r.Conditions.SameCamera {
			return true
		}
	}
	return false
}

// Evaluate runs every enabled rule in order. A suppress or merge rule that triggers
// stops evaluation; an escalate rule raises cls one step and evaluation continues.
func (a *Aggregator) Evaluate(d detection.Detection, c classifier.Context, cls *classifier.Classification, recent []*alert.Alert) Decision {
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}

	var dec Decision
	for _, rule := range a.rules {
		if !rule.Enabled {
			continue
		}

		matched := countMatching(rule, d, recent, now)
		if matched < rule.Conditions.MaxAlerts {
			continue
		}

		switch rule.Action {
		case ActionSuppress, ActionMerge:
			dec.Suppress = true
			dec.RuleID = rule.ID
			dec.Reason = fmt.Sprintf("suppressed by aggregation rule %s (%d matching alerts in %dm)",
				rule.ID, matched, rule.Conditions.TimeWindowMinutes)
			if rule.Action == ActionMerge {
				dec.Reason = fmt.Sprintf("merged and suppressed by aggregation rule %s (%d matching alerts in %dm)",
					rule.ID, matched, rule.Conditions.TimeWindowMinutes)
			}
			if rule.SuppressionDurationMinutes > 0 {
				until := now.Add(time.Duration(rule.SuppressionDurationMinutes) * time.Minute)
				dec.SuppressUntil = &until
			}
			return dec
		case ActionEscalate:
			if cls != nil {
				cls.Escalate()
				cls.EscalationRequired = true
			}
			dec.Escalate = true
			dec.EscalatedBy = append(dec.EscalatedBy, rule.ID)
		}
	}
	return dec
}

func countMatching(rule Rule, d detection.Detection, recent []*alert.Alert, now time.Time) int {
	window := rule.Conditions.Window()
	typ := detection.NormalizeType(d.Type)

	n := 0
	for _, a := range recent {
		if a == nil || a.StoreID != d.StoreID {
			continue
		}
		if now.Sub(a.CreatedAt) > window {
			continue
		}
		if rule.Conditions.SameCamera && a.CameraID != d.CameraID {
			continue
		}
		if rule.Conditions.SameThreatType && detection.NormalizeType(a.Type) != typ {
			continue
		}
		n++
	}
	return n
}
