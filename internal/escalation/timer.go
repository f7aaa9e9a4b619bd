package escalation

import (
	"sync"
	"time"
)

// Key identifies one armed timer.
type Key struct {
	AlertID string
	RuleID  string
}

type timerEntry struct {
	timer *time.Timer
}

// TimerTable holds the escalation timers, keyed by (alert, rule). Arming and
// cancelling are its only mutations. Once Cancel returns, the cancelled callback
// will not start.
type TimerTable struct {
	mu     sync.Mutex
	timers map[string]map[string]*timerEntry // alertID -> ruleID -> entry
	count  int
}

// NewTimerTable creates an empty table.
func NewTimerTable() *TimerTable {
	return &TimerTable{timers: make(map[string]map[string]*timerEntry)}
}

// Arm schedules fn to run after d, replacing any timer already armed for key.
func (t *TimerTable) Arm(key Key, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rules, ok := t.timers[key.AlertID]
	if !ok {
		rules = make(map[string]*timerEntry)
		t.timers[key.AlertID] = rules
	}
	if old, ok := rules[key.RuleID]; ok {
		old.timer.Stop()
		t.count--
	}

	e := &timerEntry{}
	rules[key.RuleID] = e
	t.count++
	e.timer = time.AfterFunc(d, func() {
		if t.take(key, e) {
			fn()
		}
	})
}

// take removes e from the table if it is still the armed entry for key.
func (t *TimerTable) take(key Key, e *timerEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rules, ok := t.timers[key.AlertID]
	if !ok || rules[key.RuleID] != e {
		return false
	}
	t.removeLocked(key)
	return true
}

// Cancel stops the timer for key. It reports whether a timer was armed.
func (t *TimerTable) Cancel(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rules, ok := t.timers[key.AlertID]
	if !ok {
		return false
	}
	e, ok := rules[key.RuleID]
	if !ok {
		return false
	}
	e.timer.Stop()
	t.removeLocked(key)
	return true
}

// CancelAlert stops every timer armed for alertID and returns how many there were.
func (t *TimerTable) CancelAlert(alertID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rules, ok := t.timers[alertID]
	if !ok {
		return 0
	}
	for _, e := range rules {
		e.timer.Stop()
	}
	n := len(rules)
	t.count -= n
	delete(t.timers, alertID)
	return n
}

// CancelAll stops every timer.
func (t *TimerTable) CancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.count
	for _, rules := range t.timers {
		for _, e := range rules {
			e.timer.Stop()
		}
	}
	t.timers = make(map[string]map[string]*timerEntry)
	t.count = 0
	return n
}

// Armed reports whether a timer is armed for key.
func (t *TimerTable) Armed(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key.AlertID][key.RuleID]
	return ok
}

// Len returns the number of armed timers.
func (t *TimerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *TimerTable) removeLocked(key Key) {
	rules := t.timers[key.AlertID]
	delete(rules, key.RuleID)
	t.count--
	if len(rules) == 0 {
		delete(t.timers, key.AlertID)
	}
}
