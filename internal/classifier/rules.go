package classifier

import "storewatch/internal/alert"

var criticalTypes = map[string]bool{
	"weapon":          true,
	"weapon_detected": true,
	"gun":             true,
	"knife":           true,
	"firearm":         true,
	"violence":        true,
	"fighting":        true,
	"assault":         true,
	"armed_robbery":   true,
}

var mediumTypes = map[string]bool{
	"suspicious_behavior": true,
	"loitering":           true,
	"unattended_object":   true,
	"abandoned_item":      true,
	"abandoned_object":    true,
	"concealment":         true,
}

var aggressiveTypes = map[string]bool{
	"aggressive_behavior": true,
	"aggression":          true,
}

var safetyTypes = map[string]bool{
	"falling":         true,
	"fall":            true,
	"slip":            true,
	"crowding":        true,
	"crowd_formation": true,
	"fire":            true,
	"smoke":           true,
	"medical":         true,
	"running":         true,
}

var maintenanceTypes = map[string]bool{
	"camera_offline":    true,
	"camera_tampering":  true,
	"camera_obstructed": true,
	"equipment_failure": true,
	"spill":             true,
}

var securityTypes = map[string]bool{
	"theft":               true,
	"shoplifting":         true,
	"unauthorized_access": true,
	"known_offender":      true,
	"multiple_bags":       true,
	"erratic_movement":    true,
}

// Baseline returns the severity and priority a detection type starts from.
func Baseline(typ string, c Context) (alert.Severity, alert.Priority) {
	switch {
	case criticalTypes[typ]:
		return alert.SeverityCritical, alert.PriorityImmediate
	case typ == "unauthorized_access" && c.RestrictedArea,
		(typ == "theft" || typ == "shoplifting") && c.AfterHours,
		aggressiveTypes[typ]:
		return alert.SeverityHigh, alert.PriorityUrgent
	case mediumTypes[typ]:
		return alert.SeverityMedium, alert.PriorityNormal
	default:
		return alert.SeverityLow, alert.PriorityLow
	}
}

// CategoryFor maps a detection type to an alert category.
func CategoryFor(typ string) alert.Category {
	switch {
	case criticalTypes[typ], mediumTypes[typ], aggressiveTypes[typ], securityTypes[typ]:
		return alert.CategorySecurity
	case safetyTypes[typ]:
		return alert.CategorySafety
	case maintenanceTypes[typ]:
		return alert.CategoryMaintenance
	default:
		return alert.CategoryOperational
	}
}

func recommendedActions(typ string, sev alert.Severity, c Context) []string {
	var actions []string

	switch sev {
	case alert.SeverityCritical:
		actions = append(actions,
			"Dispatch security personnel immediately",
			"Review live camera feed",
		)
		if criticalTypes[typ] {
			actions = append(actions, "Contact law enforcement", "Keep staff and customers away from the area")
		}
	case alert.SeverityHigh:
		actions = append(actions,
			"Send security personnel to the location",
			"Review live camera feed",
		)
	case alert.SeverityMedium:
		actions = append(actions,
			"Monitor the camera feed",
			"Notify floor staff in the area",
		)
	default:
		actions = append(actions, "Review when available")
	}

	switch {
	case safetyTypes[typ]:
		actions = append(actions, "Check on the wellbeing of people involved")
	case maintenanceTypes[typ]:
		actions = append(actions, "Open a maintenance ticket for the camera")
	}
	if c.RestrictedArea {
		actions = append(actions, "Verify access authorization for the restricted area")
	}
	if c.RepeatOffender {
		actions = append(actions, "Compare against the offender watchlist record")
	}
	return actions
}
