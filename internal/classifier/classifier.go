// Package classifier maps a detection and its situational context to a severity,
// priority, category and response bundle.
package classifier

import (
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/detection"
)

const (
	// LowConfidenceThreshold is the confidence below which severity is reduced one step.
	LowConfidenceThreshold = 0.7
	// AutoAcknowledgeConfidence is the confidence below which low alerts are auto-acknowledged.
	AutoAcknowledgeConfidence = 0.5
	// FalsePositiveThreshold is the rolling false-positive rate above which severity is reduced.
	FalsePositiveThreshold = 0.3

	// VerifyAccuracyAction is prepended to the recommended actions of low-confidence detections.
	VerifyAccuracyAction = "Verify detection accuracy"

	mediumSuppression = 5 * time.Minute
	lowSuppression    = 15 * time.Minute
)

// Context is the situational input of a classification.
type Context struct {
	Now               time.Time
	AfterHours        bool
	HighValueZone     bool
	RestrictedArea    bool
	RepeatOffender    bool
	FalsePositiveRate float64
	// BaselineBoost escalates the baseline this many steps (0-2) before the
	// situational rules run.
	BaselineBoost int
}

// Classification is the computed response bundle for one detection.
type Classification struct {
	Severity           alert.Severity `json:"severity"`
	Priority           alert.Priority `json:"priority"`
	Category           alert.Category `json:"category"`
	RecommendedActions []string       `json:"recommendedActions"`
	EscalationRequired bool           `json:"escalationRequired"`
	AutoAcknowledge    bool           `json:"autoAcknowledge"`
	SuppressUntil      *time.Time     `json:"suppressUntil,omitempty"`
	Tags               []string       `json:"tags"`
}

// Escalate moves severity and priority one step up.
func (c *Classification) Escalate() {
	c.Severity = c.Severity.Escalate()
	c.Priority = c.Priority.Escalate()
}

// Reduce moves severity and priority one step down.
func (c *Classification) Reduce() {
	c.Severity = c.Severity.Reduce()
	c.Priority = c.Priority.Reduce()
}

// Classify computes the classification of d in context c. It is pure apart from
// c.Now, which defaults to the current time when zero.
func Classify(d detection.Detection, c Context) Classification {
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}
	typ := detection.NormalizeType(d.Type)

	sev, prio := Baseline(typ, c)
	cls := Classification{
		Severity: sev.EscalateBy(clampBoost(c.BaselineBoost)),
		Priority: prio.EscalateBy(clampBoost(c.BaselineBoost)),
		Category: CategoryFor(typ),
	}

	if c.HighValueZone {
		cls.Escalate()
	}
	if c.AfterHours && cls.Severity != alert.SeverityLow {
		cls.Escalate()
		cls.EscalationRequired = true
	}

	lowConfidence := d.Confidence < LowConfidenceThreshold
	if lowConfidence && cls.Severity != alert.SeverityCritical {
		cls.Reduce()
	}
	if c.FalsePositiveRate > FalsePositiveThreshold && cls.Severity != alert.SeverityCritical {
		cls.Reduce()
	}

	if cls.Severity == alert.SeverityCritical {
		cls.EscalationRequired = true
	}

	cls.AutoAcknowledge = cls.Severity == alert.SeverityLow && d.Confidence < AutoAcknowledgeConfidence

	switch cls.Severity {
	case alert.SeverityMedium:
		until := now.Add(mediumSuppression)
		cls.SuppressUntil = &until
	case alert.SeverityLow:
		until := now.Add(lowSuppression)
		cls.SuppressUntil = &until
	}

	cls.RecommendedActions = recommendedActions(typ, cls.Severity, c)
	if lowConfidence {
		cls.RecommendedActions = append([]string{VerifyAccuracyAction}, cls.RecommendedActions...)
	}
	cls.Tags = tags(d, typ, cls, c, lowConfidence)

	return cls
}

func clampBoost(n int) int {
	if n < 0 {
		return 0
	}
	if n > 2 {
		return 2
	}
	return n
}

func tags(d detection.Detection, typ string, cls Classification, c Context, lowConfidence bool) []string {
	out := []string{
		"type:" + typ,
		"severity:" + string(cls.Severity),
		"category:" + string(cls.Category),
		"source:" + string(d.Kind),
	}
	if d.CameraID != "" {
		out = append(out, "camera:"+d.CameraID)
	}
	if d.Location.Area != "" {
		out = append(out, "area:"+d.Location.Area)
	}
	if d.Location.Zone != "" {
		out = append(out, "zone:"+d.Location.Zone)
	}
	if c.AfterHours {
		out = append(out, "after_hours")
	}
	if c.HighValueZone {
		out = append(out, "high_value_zone")
	}
	if c.RestrictedArea {
		out = append(out, "restricted_area")
	}
	if c.RepeatOffender || d.RepeatOffender {
		out = append(out, "repeat_offender")
	}
	if lowConfidence {
		out = append(out, "low_confidence")
	}
	if c.FalsePositiveRate > FalsePositiveThreshold {
		out = append(out, "noisy_source")
	}
	return out
}
