package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/metrics"
)

// Triggers recorded on executions.
const (
	TriggerTimer = "timer"
	TriggerSweep = "sweep"
)

// Config holds scheduler configuration.
type Config struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxAlertAge   time.Duration `yaml:"max_alert_age"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 60 * time.Second,
		MaxAlertAge:   24 * time.Hour,
		NotifyTimeout: 10 * time.Second,
		ActionTimeout: 30 * time.Second,
	}
}

// Scheduler arms per-(alert, rule) timers and runs a periodic sweep as a safety
// net. A rule executes at most once successfully per alert.
type Scheduler struct {
	cfg      Config
	alerts   Alerts
	rules    RuleSource
	history  ExecutionLog
	audit    AuditSink
	executor *Executor
	metrics  *metrics.Metrics
	timers   *TimerTable

	mu       sync.Mutex
	inflight map[Key]bool
	closed   bool

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. The executor performs the rule actions.
func NewScheduler(cfg Config, alerts Alerts, rules RuleSource, history ExecutionLog, executor *Executor, m *metrics.Metrics) *Scheduler {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxAlertAge <= 0 {
		cfg.MaxAlertAge = def.MaxAlertAge
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		alerts:   alerts,
		rules:    rules,
		history:  history,
		executor: executor,
		metrics:  m,
		timers:   NewTimerTable(),
		inflight: make(map[Key]bool),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// SetAuditSink sets the sink that receives a copy of every execution.
func (s *Scheduler) SetAuditSink(a AuditSink) {
	s.audit = a
}

// Timers exposes the timer table for inspection.
func (s *Scheduler) Timers() *TimerTable {
	return s.timers
}

// Arm schedules a timer for every enabled rule that applies to a. Rules whose
// window has already elapsed fire immediately. It returns the number of timers armed.
func (s *Scheduler) Arm(ctx context.Context, a *alert.Alert) (int, error) {
	if a.Status.IsTerminal() {
		return 0, nil
	}
	rules, err := s.rules.GetEscalationRules(ctx, a.StoreID)
	if err != nil {
		return 0, fmt.Errorf("failed to load escalation rules for store %s: %w", a.StoreID, err)
	}

	now := s.now()
	armed := 0
	for _, rule := range rules {
		if !rule.Enabled || !rule.Matches(a) {
			continue
		}
		if rule.Conditions.UnacknowledgedOnly && a.IsAcknowledged() {
			continue
		}
		key := Key{AlertID: a.ID, RuleID: rule.ID}
		delay := rule.Window() - a.Age(now)
		s.timers.Arm(key, delay, func() { s.fire(key) })
		armed++

		slog.Debug("escalation timer armed",
			"alert_id", a.ID,
			"rule_id", rule.ID,
			"delay", delay,
		)
	}
	s.metrics.SetArmedTimers(s.timers.Len())
	return armed, nil
}

// Cancel stops every timer armed for alertID. It is safe to call when no timer
// exists or the timer already fired.
func (s *Scheduler) Cancel(alertID string) int {
	n := s.timers.CancelAlert(alertID)
	if n > 0 {
		slog.Debug("escalation timers cancelled", "alert_id", alertID, "count", n)
	}
	s.metrics.SetArmedTimers(s.timers.Len())
	return n
}

// fire runs when a timer elapses.
func (s *Scheduler) fire(key Key) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.metrics.SetArmedTimers(s.timers.Len())

	a, ok, err := s.alerts.GetAlert(s.ctx, key.AlertID)
	if err != nil {
		slog.Error("failed to load alert for escalation", "alert_id", key.AlertID, "error", err)
		return
	}
	if !ok {
		slog.Debug("escalation skipped, alert no longer exists", "alert_id", key.AlertID)
		return
	}
	rule, ok, err := s.findRule(s.ctx, a.StoreID, key.RuleID)
	if err != nil {
		slog.Error("failed to load escalation rule", "rule_id", key.RuleID, "error", err)
		return
	}
	if !ok {
		slog.Debug("escalation skipped, rule no longer exists", "rule_id", key.RuleID)
		return
	}
	if _, err := s.evaluate(s.ctx, a, rule, TriggerTimer); err != nil {
		slog.Error("escalation failed", "alert_id", key.AlertID, "rule_id", key.RuleID, "error", err)
	}
}

func (s *Scheduler) findRule(ctx context.Context, storeID, ruleID string) (Rule, bool, error) {
	rules, err := s.rules.GetEscalationRules(ctx, storeID)
	if err != nil {
		return Rule{}, false, err
	}
	for _, r := range rules {
		if r.ID == ruleID {
			return r, true, nil
		}
	}
	return Rule{}, false, nil
}

// ShouldEscalate decides whether rule is due for a. The reason explains a negative answer.
func (s *Scheduler) ShouldEscalate(ctx context.Context, a *alert.Alert, rule Rule) (bool, string, error) {
	if !rule.Enabled {
		return false, "rule disabled", nil
	}
	if a.Status.IsTerminal() {
		return false, "alert is " + string(a.Status), nil
	}
	if !rule.Matches(a) {
		return false, "rule conditions not met", nil
	}
	if a.IsAcknowledged() {
		if rule.Conditions.UnacknowledgedOnly {
			return false, "alert acknowledged", nil
		}
		// An acknowledgment inside the window cancelled the timer; the sweep honors it too.
		if a.AcknowledgedAt != nil && a.AcknowledgedAt.Before(a.CreatedAt.Add(rule.Window())) {
			return false, "acknowledged before window elapsed", nil
		}
	}
	if a.Age(s.now()) < rule.Window() {
		return false, "window not elapsed", nil
	}
	done, err := s.history.HasSuccessfulExecution(ctx, a.ID, rule.ID)
	if err != nil {
		return false, "", fmt.Errorf("failed to check execution history: %w", err)
	}
	if done {
		return false, "already executed", nil
	}
	return true, "", nil
}

// evaluate claims (alert, rule), re-reads the alert, and executes the rule if it is
// due. It returns nil when the rule was skipped or another caller holds the claim.
func (s *Scheduler) evaluate(ctx context.Context, a *alert.Alert, rule Rule, trigger string) (*Execution, error) {
	key := Key{AlertID: a.ID, RuleID: rule.ID}
	if !s.claim(key) {
		return nil, nil
	}
	defer s.release(key)

	// Re-read under the claim so a concurrent acknowledgment is observed.
	current, ok, err := s.alerts.GetAlert(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	due, reason, err := s.ShouldEscalate(ctx, current, rule)
	if err != nil {
		return nil, err
	}
	if !due {
		s.metrics.Escalation(trigger, "skipped")
		slog.Debug("escalation skipped", "alert_id", a.ID, "rule_id", rule.ID, "reason", reason)
		return nil, nil
	}

	exec := s.executor.Execute(ctx, current, rule, trigger)

	if err := s.history.RecordExecution(ctx, exec); err != nil {
		slog.Error("failed to record escalation execution",
			"alert_id", exec.AlertID,
			"rule_id", exec.RuleID,
			"error", err,
		)
	}
	if s.audit != nil {
		if err := s.audit.WriteExecution(exec); err != nil {
			slog.Warn("failed to write escalation audit record", "execution_id", exec.ID, "error", err)
		}
	}

	result := "success"
	if !exec.Success {
		result = "failed"
	} else if exec.Error != "" {
		result = "partial"
	}
	s.metrics.Escalation(trigger, result)
	return exec, nil
}

func (s *Scheduler) claim(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] {
		return false
	}
	s.inflight[key] = true
	return true
}

func (s *Scheduler) release(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

// Sweep re-checks every active alert younger than MaxAlertAge against its store's
// rules and executes the ones that are due. It returns the executions produced.
func (s *Scheduler) Sweep(ctx context.Context) ([]*Execution, error) {
	now := s.now()
	active, err := s.alerts.QueryActiveAlerts(ctx, now.Add(-s.cfg.MaxAlertAge))
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}

	rulesByStore := make(map[string][]Rule)
	var executions []*Execution
	for _, a := range active {
		rules, ok := rulesByStore[a.StoreID]
		if !ok {
			rules, err = s.rules.GetEscalationRules(ctx, a.StoreID)
			if err != nil {
				slog.Error("failed to load escalation rules", "store_id", a.StoreID, "error", err)
				continue
			}
			rulesByStore[a.StoreID] = rules
		}
		for _, rule := range rules {
			if !rule.Enabled || !rule.Matches(a) || a.Age(now) < rule.Window() {
				continue
			}
			exec, err := s.evaluate(ctx, a, rule, TriggerSweep)
			if err != nil {
				slog.Error("sweep escalation failed", "alert_id", a.ID, "rule_id", rule.ID, "error", err)
				continue
			}
			if exec != nil {
				executions = append(executions, exec)
			}
		}
	}

	if len(executions) > 0 {
		slog.Info("escalation sweep completed", "checked", len(active), "executed", len(executions))
	}
	return executions, nil
}

// Start begins the periodic sweep.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, err := s.Sweep(s.ctx); err != nil {
					slog.Error("escalation sweep failed", "error", err)
				}
			}
		}
	}()
	slog.Info("escalation scheduler started", "sweep_interval", s.cfg.SweepInterval)
}

// Stop cancels all timers and waits for in-flight escalations to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	n := s.timers.CancelAll()
	s.wg.Wait()
	s.cancel()
	s.metrics.SetArmedTimers(0)
	slog.Info("escalation scheduler stopped", "cancelled_timers", n)
}
