package classifier

import (
	"sync"
	"time"
)

// FalsePositiveTracker keeps a rolling false-positive rate per source (camera or area).
// A source's rate is dismissals / alerts over the window, and stays 0 until the source
// has produced MinSamples alerts.
type FalsePositiveTracker struct {
	window     time.Duration
	minSamples int

	mu      sync.Mutex
	sources map[string]*fpHistory
}

type fpHistory struct {
	alerts     []time.Time
	dismissals []time.Time
}

// NewFalsePositiveTracker creates a tracker with the given window and sample floor.
func NewFalsePositiveTracker(window time.Duration, minSamples int) *FalsePositiveTracker {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if minSamples <= 0 {
		minSamples = 5
	}
	return &FalsePositiveTracker{
		window:     window,
		minSamples: minSamples,
		sources:    make(map[string]*fpHistory),
	}
}

// RecordAlert counts one alert created for source.
func (t *FalsePositiveTracker) RecordAlert(source string, at time.Time) {
	if source == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.history(source)
	h.alerts = append(prune(h.alerts, at.Add(-t.window)), at)
}

// RecordFalsePositive counts one dismissed alert for source.
func (t *FalsePositiveTracker) RecordFalsePositive(source string, at time.Time) {
	if source == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.history(source)
	h.dismissals = append(prune(h.dismissals, at.Add(-t.window)), at)
}

// Rate returns the rolling false-positive rate of source at now.
func (t *FalsePositiveTracker) Rate(source string, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.sources[source]
	if !ok {
		return 0
	}
	cutoff := now.Add(-t.window)
	h.alerts = prune(h.alerts, cutoff)
	h.dismissals = prune(h.dismissals, cutoff)
	if len(h.alerts) == 0 && len(h.dismissals) == 0 {
		delete(t.sources, source)
		return 0
	}
	if len(h.alerts) < t.minSamples {
		return 0
	}
	rate := float64(len(h.dismissals)) / float64(len(h.alerts))
	if rate > 1 {
		rate = 1
	}
	return rate
}

func (t *FalsePositiveTracker) history(source string) *fpHistory {
	h, ok := t.sources[source]
	if !ok {
		h = &fpHistory{}
		t.sources[source] = h
	}
	return h
}

// prune drops timestamps before cutoff. Timestamps are appended in order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
