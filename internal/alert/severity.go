package alert

// Severity levels, ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s in the severity order, or -1 if unknown.
func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Escalate moves one step up, capping at critical.
func (s Severity) Escalate() Severity {
	r := s.Rank()
	if r < 0 {
		return s
	}
	if r+1 >= len(severityOrder) {
		return SeverityCritical
	}
	return severityOrder[r+1]
}

// Reduce moves one step down, flooring at low.
func (s Severity) Reduce() Severity {
	r := s.Rank()
	if r <= 0 {
		if r < 0 {
			return s
		}
		return SeverityLow
	}
	return severityOrder[r-1]
}

// EscalateBy escalates n single steps.
func (s Severity) EscalateBy(n int) Severity {
	for i := 0; i < n; i++ {
		s = s.Escalate()
	}
	return s
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Priority levels, ordered low < normal < urgent < immediate.
type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityImmediate Priority = "immediate"
)

var priorityOrder = []Priority{PriorityLow, PriorityNormal, PriorityUrgent, PriorityImmediate}

// Rank returns the position of p in the priority order, or -1 if unknown.
func (p Priority) Rank() int {
	for i, v := range priorityOrder {
		if v == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Escalate moves one step up, capping at immediate.
func (p Priority) Escalate() Priority {
	r := p.Rank()
	if r < 0 {
		return p
	}
	if r+1 >= len(priorityOrder) {
		return PriorityImmediate
	}
	return priorityOrder[r+1]
}

// Reduce moves one step down, flooring at low.
func (p Priority) Reduce() Priority {
	r := p.Rank()
	if r <= 0 {
		if r < 0 {
			return p
		}
		return PriorityLow
	}
	return priorityOrder[r-1]
}

// EscalateBy escalates n single steps.
func (p Priority) EscalateBy(n int) Priority {
	for i := 0; i < n; i++ {
		p = p.Escalate()
	}
	return p
}
