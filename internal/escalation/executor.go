package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"storewatch/internal/alert"
	apperrors "storewatch/internal/errors"
	"storewatch/internal/events"
	"storewatch/internal/metrics"
)

// Notification is the payload sent to a user when an alert escalates.
type Notification struct {
	AlertID  string         `json:"alertId"`
	StoreID  string         `json:"storeId"`
	RuleID   string         `json:"ruleId"`
	Severity alert.Severity `json:"severity"`
	Priority alert.Priority `json:"priority"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Area     string         `json:"area,omitempty"`
}

// Notifier delivers a notification to one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Directory resolves role names to the users holding them in a store.
type Directory interface {
	UsersWithRole(ctx context.Context, storeID, role string) ([]string, error)
}

// Responder performs the automated response actions.
type Responder interface {
	CreateIncident(ctx context.Context, a *alert.Alert) (string, error)
	NotifyAuthorities(ctx context.Context, a *alert.Alert) error
	LockdownArea(ctx context.Context, storeID, area string) error
}

// Broadcaster announces escalations to connected clients.
type Broadcaster interface {
	BroadcastEscalation(ctx context.Context, storeID, alertID string, sev alert.Severity, reason string) int
}

// Action names recorded in Execution.ActionsTaken and error metrics.
const (
	actionNotify            = "notify"
	actionEscalate          = "escalate"
	actionCreateIncident    = "create_incident"
	actionNotifyAuthorities = "notify_authorities"
	actionLockdownArea      = "lockdown_area"
)

// ExecutorConfig bounds the time given to each sub-action.
type ExecutorConfig struct {
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

// Executor performs a rule's actions against an alert.
type Executor struct {
	cfg         ExecutorConfig
	alerts      Alerts
	notifier    Notifier
	directory   Directory
	responder   Responder
	broadcaster Broadcaster
	events      events.Publisher
	metrics     *metrics.Metrics
	now         func() time.Time
}

// ExecutorDeps are the collaborators of an Executor. Only Alerts is required.
type ExecutorDeps struct {
	Alerts      Alerts
	Notifier    Notifier
	Directory   Directory
	Responder   Responder
	Broadcaster Broadcaster
	Events      events.Publisher
	Metrics     *metrics.Metrics
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig, deps ExecutorDeps) *Executor {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	return &Executor{
		cfg:         cfg,
		alerts:      deps.Alerts,
		notifier:    deps.Notifier,
		directory:   deps.Directory,
		responder:   deps.Responder,
		broadcaster: deps.Broadcaster,
		events:      deps.Events,
		metrics:     deps.Metrics,
		now:         time.Now,
	}
}

// Execute runs the rule's actions in order: notifications, state mutation, automated
// actions. Sub-action failures are collected into the execution and never stop the
// remaining actions. Success reflects whether the escalated state was persisted.
func (x *Executor) Execute(ctx context.Context, a *alert.Alert, rule Rule, trigger string) *Execution {
	exec := &Execution{
		ID:         uuid.NewString(),
		AlertID:    a.ID,
		RuleID:     rule.ID,
		StoreID:    a.StoreID,
		Trigger:    trigger,
		ExecutedAt: x.now(),
	}
	var errs errorList

	// (a) notifications
	x.notify(ctx, a, rule, exec, &errs)

	// (b) state mutation, then the broadcast of the durable state
	status := alert.StatusEscalated
	upd := alert.Update{Status: &status, IfUnacknowledged: rule.Conditions.UnacknowledgedOnly}
	if rule.Actions.NewSeverity != "" {
		sev := rule.Actions.NewSeverity
		upd.Severity = &sev
	}
	if rule.Actions.NewPriority != "" {
		prio := rule.Actions.NewPriority
		upd.Priority = &prio
	}
	if rule.Actions.AssignTo != "" {
		assignee := rule.Actions.AssignTo
		upd.AssignedTo = &assignee
	}

	current := a
	acknowledged := false
	updated, err := x.alerts.UpdateAlert(ctx, a.ID, upd)
	switch {
	case errors.Is(err, alert.ErrAcknowledged):
		slog.Info("escalation abandoned, alert acknowledged meanwhile", "alert_id", a.ID, "rule_id", rule.ID)
		acknowledged = true
		errs.add(actionEscalate, err)
	case err != nil:
		errs.add(actionEscalate, apperrors.Persistence("escalate alert", err))
		x.metrics.EscalationActionError(actionEscalate)
	default:
		exec.Success = true
		current = updated
		exec.ActionsTaken = append(exec.ActionsTaken, "status:"+string(alert.StatusEscalated))
		if upd.Severity != nil {
			exec.ActionsTaken = append(exec.ActionsTaken, "severity:"+string(*upd.Severity))
		}
		if upd.Priority != nil {
			exec.ActionsTaken = append(exec.ActionsTaken, "priority:"+string(*upd.Priority))
		}
		if upd.AssignedTo != nil {
			exec.ActionsTaken = append(exec.ActionsTaken, "assign:"+*upd.AssignedTo)
		}

		reason := fmt.Sprintf("escalation rule %q fired after %s", ruleName(rule), rule.Window())
		if x.broadcaster != nil {
			x.broadcaster.BroadcastEscalation(ctx, updated.StoreID, updated.ID, updated.Severity, reason)
		}
		ev := events.New(events.AlertEscalated, updated, "", exec.ExecutedAt)
		ev.Details = map[string]any{"ruleId": rule.ID, "trigger": trigger, "reason": reason}
		if err := x.events.Publish(ctx, ev); err != nil {
			slog.Warn("failed to publish escalation event", "alert_id", a.ID, "error", err)
		}
	}

	// (c) automated actions
	if !acknowledged {
		x.automate(ctx, current, rule, exec, &errs)
	}

	if !errs.empty() {
		exec.Error = errs.String()
	}

	slog.Warn("escalation executed",
		"alert_id", a.ID,
		"rule_id", rule.ID,
		"trigger", trigger,
		"success", exec.Success,
		"actions", exec.ActionsTaken,
		"errors", exec.Error,
	)
	return exec
}

func (x *Executor) notify(ctx context.Context, a *alert.Alert, rule Rule, exec *Execution, errs *errorList) {
	recipients := make([]string, 0, len(rule.Actions.NotifyUsers))
	seen := make(map[string]bool)
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			recipients = append(recipients, u)
		}
	}
	for _, u := range rule.Actions.NotifyUsers {
		add(u)
	}
	for _, role := range rule.Actions.NotifyRoles {
		if x.directory == nil {
			errs.add(actionNotify, fmt.Errorf("no directory configured to resolve role %q", role))
			x.metrics.EscalationActionError(actionNotify)
			continue
		}
		users, err := x.directory.UsersWithRole(ctx, a.StoreID, role)
		if err != nil {
			errs.add(actionNotify, apperrors.EscalationAction("resolve role "+role, err))
			x.metrics.EscalationActionError(actionNotify)
			continue
		}
		for _, u := range users {
			add(u)
		}
	}
	if len(recipients) == 0 {
		return
	}
	if x.notifier == nil {
		errs.add(actionNotify, fmt.Errorf("no notifier configured"))
		x.metrics.EscalationActionError(actionNotify)
		return
	}

	n := Notification{
		AlertID:  a.ID,
		StoreID:  a.StoreID,
		RuleID:   rule.ID,
		Severity: a.Severity,
		Priority: a.Priority,
		Title:    "Escalated: " + a.Title,
		Message:  fmt.Sprintf("%s (rule %q, unattended for %s)", a.Message, ruleName(rule), rule.Window()),
		Area:     a.Location.Area,
	}
	if rule.Actions.NewSeverity != "" {
		n.Severity = rule.Actions.NewSeverity
	}

	nctx, cancel := context.WithTimeout(ctx, x.cfg.NotifyTimeout)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, userID := range recipients {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			err := x.notifier.Notify(nctx, userID, n)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("escalation notification failed", "alert_id", a.ID, "user_id", userID, "error", err)
				errs.add(actionNotify, apperrors.EscalationAction("notify "+userID, err))
				x.metrics.EscalationActionError(actionNotify)
				return
			}
			exec.ActionsTaken = append(exec.ActionsTaken, "notify:"+userID)
		}(userID)
	}
	wg.Wait()
}

func (x *Executor) automate(ctx context.Context, a *alert.Alert, rule Rule, exec *Execution, errs *errorList) {
	auto := rule.Actions.Automated
	if !auto.CreateIncident && !auto.NotifyAuthorities && !auto.LockdownArea {
		return
	}
	if x.responder == nil {
		errs.add("automated", fmt.Errorf("no responder configured"))
		return
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	run := func(action string, fn func(ctx context.Context) (string, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actx, cancel := context.WithTimeout(ctx, x.cfg.ActionTimeout)
			defer cancel()

			detail, err := fn(actx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("escalation action failed", "alert_id", a.ID, "rule_id", rule.ID, "action", action, "error", err)
				errs.add(action, apperrors.EscalationAction(action, err))
				x.metrics.EscalationActionError(action)
				return
			}
			slog.Info("escalation action completed", "alert_id", a.ID, "rule_id", rule.ID, "action", action)
			taken := action
			if detail != "" {
				taken += ":" + detail
			}
			exec.ActionsTaken = append(exec.ActionsTaken, taken)
		}()
	}

	if auto.CreateIncident {
		run(actionCreateIncident, func(ctx context.Context) (string, error) {
			id, err := x.responder.CreateIncident(ctx, a)
			if err != nil {
				return "", err
			}
			if id != "" {
				if _, err := x.alerts.UpdateAlert(ctx, a.ID, alert.Update{IncidentID: &id}); err != nil {
					return id, fmt.Errorf("incident %s created but not linked: %w", id, err)
				}
			}
			return id, nil
		})
	}
	if auto.NotifyAuthorities {
		run(actionNotifyAuthorities, func(ctx context.Context) (string, error) {
			return "", x.responder.NotifyAuthorities(ctx, a)
		})
	}
	if auto.LockdownArea {
		run(actionLockdownArea, func(ctx context.Context) (string, error) {
			if a.Location.Area == "" {
				return "", fmt.Errorf("alert has no area to lock down")
			}
			return a.Location.Area, x.responder.LockdownArea(ctx, a.StoreID, a.Location.Area)
		})
	}
	wg.Wait()
}

func ruleName(r Rule) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// errorList collects sub-action failures. Callers synchronize access.
type errorList struct {
	items []string
}

func (l *errorList) add(action string, err error) {
	l.items = append(l.items, action+": "+err.Error())
}

func (l *errorList) empty() bool {
	return len(l.items) == 0
}

func (l *errorList) String() string {
	return strings.Join(l.items, "; ")
}
