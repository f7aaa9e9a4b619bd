// Package detection defines the canonical detection consumed by the alert pipeline and
// the adapters that normalize each upstream payload kind into it.
package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"storewatch/internal/alert"
)

// Kind identifies the upstream source of a detection.
type Kind string

const (
	// KindAI is a frame analysis result from the vision service.
	KindAI Kind = "ai_analysis"
	// KindBehavior is an anomaly reported by the behavior analyzer.
	KindBehavior Kind = "behavior_alert"
	// KindDirect is a detection already in canonical form.
	KindDirect Kind = "detection"
)

var (
	// ErrUnknownKind is returned when a payload's type is not recognized.
	ErrUnknownKind = errors.New("unknown detection kind")
	// ErrEmptyPayload is returned for a raw detection with no body.
	ErrEmptyPayload = errors.New("empty detection payload")
)

// Detection is the single input contract of the classifier.
type Detection struct {
	ID               string         `json:"id"`
	Kind             Kind           `json:"kind"`
	StoreID          string         `json:"storeId"`
	CameraID         string         `json:"cameraId"`
	Type             string         `json:"type"`
	Confidence       float64        `json:"confidence"`
	Description      string         `json:"description,omitempty"`
	Location         alert.Location `json:"location"`
	PersonID         string         `json:"personId,omitempty"`
	RepeatOffender   bool           `json:"repeatOffender,omitempty"`
	ThreatLevel      alert.Severity `json:"threatLevel,omitempty"`
	RequiresResponse bool           `json:"requiresResponse,omitempty"`
	Snapshot         string         `json:"snapshot,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Attributes       map[string]any `json:"attributes,omitempty"`
}

// Validate checks the fields every downstream stage relies on.
func (d Detection) Validate() error {
	var problems []string
	if d.StoreID == "" {
		problems = append(problems, "storeId is required")
	}
	if d.Type == "" {
		problems = append(problems, "type is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("confidence %.3f outside [0,1]", d.Confidence))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid detection: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DedupeKey identifies detections that describe the same situation.
func (d Detection) DedupeKey() string {
	return d.CameraID + "|" + NormalizeType(d.Type) + "|" + d.Location.Area
}

// NormalizeType lower-cases a detection type and turns separators into underscores.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(t)
}

// Raw is a payload from one of the upstream sources. Exactly one of AI, Behavior or
// Direct is set, matching Kind.
type Raw struct {
	Kind     Kind
	AI       *AIAnalysis
	Behavior *BehaviorAlert
	Direct   *Detection
}

// Decode inspects the payload's type field and unmarshals it into the matching variant.
func Decode(data []byte) (Raw, error) {
	if len(data) == 0 {
		return Raw{}, ErrEmptyPayload
	}

	var head struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Raw{}, fmt.Errorf("decode detection: %w", err)
	}

	switch {
	case head.Type == string(KindBehavior):
		var b BehaviorAlert
		if err := json.Unmarshal(data, &b); err != nil {
			return Raw{}, fmt.Errorf("decode behavior alert: %w", err)
		}
		return Raw{Kind: KindBehavior, Behavior: &b}, nil
	case head.Type == string(KindAI) || head.Type == "frame_analysis":
		var a AIAnalysis
		if err := json.Unmarshal(data, &a); err != nil {
			return Raw{}, fmt.Errorf("decode ai analysis: %w", err)
		}
		return Raw{Kind: KindAI, AI: &a}, nil
	case head.Kind == string(KindDirect) || head.Kind == "" || head.Kind == string(KindAI) || head.Kind == string(KindBehavior):
		var d Detection
		if err := json.Unmarshal(data, &d); err != nil {
			return Raw{}, fmt.Errorf("decode detection: %w", err)
		}
		if d.Kind == "" {
			d.Kind = KindDirect
		}
		return Raw{Kind: KindDirect, Direct: &d}, nil
	default:
		return Raw{}, fmt.Errorf("%w: type=%q kind=%q", ErrUnknownKind, head.Type, head.Kind)
	}
}

// Normalize converts the raw payload into canonical detections. An AI analysis yields
// one detection per reported threat type; the other kinds yield exactly one.
func (r Raw) Normalize() ([]Detection, error) {
	var out []Detection
	switch r.Kind {
	case KindAI:
		if r.AI == nil {
			return nil, ErrEmptyPayload
		}
		out = r.AI.Detections()
	case KindBehavior:
		if r.Behavior == nil {
			return nil, ErrEmptyPayload
		}
		out = []Detection{r.Behavior.Detection()}
	case KindDirect:
		if r.Direct == nil {
			return nil, ErrEmptyPayload
		}
		d := *r.Direct
		d.Type = NormalizeType(d.Type)
		out = []Detection{d}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}

	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
