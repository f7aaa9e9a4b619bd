package detection

import (
	"fmt"
	"time"

	"storewatch/internal/alert"
)

// BoundingBox is a detector bounding box in frame coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ObjectDetection is one object found in a frame.
type ObjectDetection struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Confidence  float64        `json:"confidence"`
	BoundingBox BoundingBox    `json:"bounding_box"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// FaceDetection is one face found in a frame.
type FaceDetection struct {
	ID              string      `json:"id"`
	Confidence      float64     `json:"confidence"`
	BoundingBox     BoundingBox `json:"bounding_box"`
	PersonID        string      `json:"person_id,omitempty"`
	WatchlistMatch  bool        `json:"watchlist_match"`
	MatchConfidence float64     `json:"match_confidence"`
}

// ThreatAssessment is the vision service's summary of a frame.
type ThreatAssessment struct {
	ThreatLevel             string   `json:"threat_level"`
	ThreatTypes             []string `json:"threat_types"`
	RiskScore               float64  `json:"risk_score"`
	Description             string   `json:"description"`
	ImmediateActionRequired bool     `json:"immediate_action_required"`
}

// AIAnalysis is a frame analysis result published by the vision service.
type AIAnalysis struct {
	Type             string            `json:"type"`
	AnalysisID       string            `json:"analysis_id"`
	StoreID          string            `json:"store_id"`
	CameraID         string            `json:"camera_id"`
	Area             string            `json:"area,omitempty"`
	Zone             string            `json:"zone,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	SnapshotURL      string            `json:"snapshot_url,omitempty"`
	Objects          []ObjectDetection `json:"objects"`
	Faces            []FaceDetection   `json:"faces"`
	ThreatAssessment ThreatAssessment  `json:"threat_assessment"`
}

var threatObjectTypes = map[string][]string{
	"weapon_detected": {"weapon", "knife", "gun"},
	"multiple_bags":   {"bag", "backpack", "suitcase"},
}

// Detections produces one canonical detection per reported threat type.
func (a *AIAnalysis) Detections() []Detection {
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	repeatOffender := false
	personID := ""
	var bestMatch float64
	for _, f := range a.Faces {
		if f.WatchlistMatch {
			repeatOffender = true
			if f.MatchConfidence >= bestMatch {
				bestMatch = f.MatchConfidence
				personID = f.PersonID
			}
		}
	}

	out := make([]Detection, 0, len(a.ThreatAssessment.ThreatTypes))
	for i, threat := range a.ThreatAssessment.ThreatTypes {
		threat = NormalizeType(threat)
		d := Detection{
			ID:               a.AnalysisID,
			Kind:             KindAI,
			StoreID:          a.StoreID,
			CameraID:         a.CameraID,
			Type:             threat,
			Description:      a.ThreatAssessment.Description,
			Location:         alert.Location{Area: a.Area, Zone: a.Zone},
			PersonID:         personID,
			RepeatOffender:   repeatOffender,
			ThreatLevel:      alert.Severity(a.ThreatAssessment.ThreatLevel),
			RequiresResponse: a.ThreatAssessment.ImmediateActionRequired,
			Snapshot:         a.SnapshotURL,
			Timestamp:        ts,
			Attributes: map[string]any{
				"risk_score": a.ThreatAssessment.RiskScore,
			},
		}
		if len(a.ThreatAssessment.ThreatTypes) > 1 {
			d.ID = fmt.Sprintf("%s-%d", a.AnalysisID, i)
		}

		switch threat {
		case "known_offender":
			d.Confidence = bestMatch
		default:
			if obj := a.bestObject(threatObjectTypes[threat]); obj != nil {
				d.Confidence = obj.Confidence
				d.Location.Coordinates = &alert.Coordinates{
					X: obj.BoundingBox.X, Y: obj.BoundingBox.Y,
					Width: obj.BoundingBox.Width, Height: obj.BoundingBox.Height,
				}
			}
		}
		if d.Confidence == 0 {
			d.Confidence = clamp01(a.ThreatAssessment.RiskScore / 10)
		}
		out = append(out, d)
	}
	return out
}

func (a *AIAnalysis) bestObject(types []string) *ObjectDetection {
	var best *ObjectDetection
	for i := range a.Objects {
		obj := &a.Objects[i]
		for _, t := range types {
			if obj.Type == t && (best == nil || obj.Confidence > best.Confidence) {
				best = obj
			}
		}
	}
	return best
}

// BehaviorLocation is where the behavior analyzer saw the subject.
type BehaviorLocation struct {
	Area string  `json:"area,omitempty"`
	Zone string  `json:"zone,omitempty"`
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
}

// BehaviorAlert is an anomaly reported by the behavior analyzer.
type BehaviorAlert struct {
	ID               string           `json:"id"`
	Type             string           `json:"type"`
	BehaviorType     string           `json:"behavior_type"`
	ThreatLevel      string           `json:"threat_level"`
	Confidence       float64          `json:"confidence"`
	Description      string           `json:"description"`
	CameraID         string           `json:"camera_id"`
	StoreID          string           `json:"store_id"`
	PersonID         string           `json:"person_id,omitempty"`
	Location         BehaviorLocation `json:"location"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
	RequiresResponse bool             `json:"requires_response"`
}

// Detection converts the behavior alert into a canonical detection.
func (b *BehaviorAlert) Detection() Detection {
	ts := b.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	d := Detection{
		ID:               b.ID,
		Kind:             KindBehavior,
		StoreID:          b.StoreID,
		CameraID:         b.CameraID,
		Type:             NormalizeType(b.BehaviorType),
		Confidence:       b.Confidence,
		Description:      b.Description,
		Location:         alert.Location{Area: b.Location.Area, Zone: b.Location.Zone},
		PersonID:         b.PersonID,
		ThreatLevel:      alert.Severity(b.ThreatLevel),
		RequiresResponse: b.RequiresResponse,
		Timestamp:        ts,
		Attributes:       b.Metadata,
	}
	if b.Location.X != 0 || b.Location.Y != 0 {
		d.Location.Coordinates = &alert.Coordinates{X: b.Location.X, Y: b.Location.Y}
	}
	if v, ok := b.Metadata["repeat_offender"].(bool); ok {
		d.RepeatOffender = v
	}
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
