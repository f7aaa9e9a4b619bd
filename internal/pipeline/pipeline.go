// Package pipeline turns accepted detections into persisted alerts and applies
// operator actions to them, keeping the escalation timers, the broadcast stream and
// the event stream in step with persisted state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"storewatch/internal/aggregation"
	"storewatch/internal/alert"
	"storewatch/internal/alertstore"
	"storewatch/internal/classifier"
	"storewatch/internal/detection"
	apperrors "storewatch/internal/errors"
	"storewatch/internal/events"
	"storewatch/internal/metrics"
	"storewatch/internal/subscription"
)

// SystemUser stamps actions the engine takes on its own.
const SystemUser = "system"

// Scheduler arms and cancels escalation timers.
type Scheduler interface {
	Arm(ctx context.Context, a *alert.Alert) (int, error)
	Cancel(alertID string) int
}

// Broadcaster fans alert messages out to connected clients.
type Broadcaster interface {
	BroadcastNewAlert(ctx context.Context, a *alert.Alert, snapshot string) int
	BroadcastAcknowledgment(ctx context.Context, storeID, alertID, userID, action string) int
	BroadcastEscalation(ctx context.Context, storeID, alertID string, sev alert.Severity, reason string) int
	BroadcastResolution(ctx context.Context, storeID, alertID, userID, resolution string) int
	BroadcastBulkAcknowledgment(ctx context.Context, storeID string, alertIDs []string, userID string) int
	// MarkAcknowledged stamps the alert's delivery records with the acknowledgment.
	MarkAcknowledged(alertID, userID string) int
}

// Archiver stores closed alerts.
type Archiver interface {
	ArchiveAlert(ctx context.Context, rec *alertstore.Archive) error
}

// Deps are the collaborators of a Pipeline. Events, Archiver, FalsePositives and
// Metrics are optional.
type Deps struct {
	Store          alertstore.Gateway
	Aggregator     *aggregation.Aggregator
	Scheduler      Scheduler
	Broadcaster    Broadcaster
	Events         events.Publisher
	Archiver       Archiver
	FalsePositives *classifier.FalsePositiveTracker
	Metrics        *metrics.Metrics
}

// Outcome is the result of processing one detection.
type Outcome struct {
	Alert          *alert.Alert
	Classification classifier.Classification
	Decision       aggregation.Decision
}

// Suppressed reports whether the aggregator dropped the detection.
func (o Outcome) Suppressed() bool {
	return o.Decision.Suppress
}

// Pipeline orchestrates classification, aggregation, persistence, scheduling and
// broadcasting.
type Pipeline struct {
	store       alertstore.Gateway
	aggregator  *aggregation.Aggregator
	scheduler   Scheduler
	broadcaster Broadcaster
	events      events.Publisher
	archiver    Archiver
	fp          *classifier.FalsePositiveTracker
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New creates a pipeline.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		store:       d.Store,
		aggregator:  d.Aggregator,
		scheduler:   d.Scheduler,
		broadcaster: d.Broadcaster,
		events:      d.Events,
		archiver:    d.Archiver,
		fp:          d.FalsePositives,
		metrics:     d.Metrics,
		now:         time.Now,
	}
	if p.aggregator == nil {
		p.aggregator = aggregation.New(nil)
	}
	if p.events == nil {
		p.events = events.Discard{}
	}
	if p.fp == nil {
		p.fp = classifier.NewFalsePositiveTracker(0, 0)
	}
	return p
}

// FalsePositives exposes the tracker fed by dismissals.
func (p *Pipeline) FalsePositives() *classifier.FalsePositiveTracker {
	return p.fp
}

// Process classifies d, runs the aggregation rules against recent alerts and, unless
// suppressed, persists the alert, then arms escalation timers and broadcasts it in
// parallel. Recent alerts are the camera's, or the whole store's when a rule spans
// cameras or d has no camera.
func (p *Pipeline) Process(ctx context.Context, d detection.Detection, c classifier.Context) (Outcome, error) {
	const op = "pipeline.process"
	now := p.now()
	c.Now = now
	c.FalsePositiveRate = p.fp.Rate(fpSource(d.CameraID, d.Location.Area), now)

	cls := classifier.Classify(d, c)

	var recent []*alert.Alert
	if window := p.aggregator.LookbackWindow(); window > 0 {
		var err error
		if p.aggregator.StoreScoped() || d.CameraID == "" {
			recent, err = p.store.QueryRecentAlertsForStore(ctx, d.StoreID, window)
		} else {
			recent, err = p.store.QueryRecentAlertsForCamera(ctx, d.CameraID, window)
		}
		if err != nil {
			return Outcome{}, apperrors.Persistence(op, err)
		}
	}

	decision := p.aggregator.Evaluate(d, c, &cls, recent)
	out := Outcome{Classification: cls, Decision: decision}
	if decision.Suppress {
		slog.Debug("detection suppressed",
			"store_id", d.StoreID,
			"camera_id", d.CameraID,
			"type", d.Type,
			"rule_id", decision.RuleID,
		)
		return out, nil
	}

	created, err := p.store.CreateAlert(ctx, buildAlert(d, c, cls, decision, now))
	if err != nil {
		return out, apperrors.Persistence(op, err)
	}
	p.fp.RecordAlert(fpSource(created.CameraID, created.Location.Area), now)
	p.metrics.AlertCreated(string(created.Severity))

	if cls.AutoAcknowledge {
		acked, _, err := p.store.AcknowledgeAlert(ctx, created.ID, SystemUser, alert.ActionAcknowledge, "auto-acknowledged: low severity, low confidence")
		if err != nil {
			slog.Warn("auto-acknowledge failed", "alert_id", created.ID, "error", err)
		} else {
			created = acked
		}
	}
	out.Alert = created

	p.publish(ctx, events.New(events.AlertCreated, created, "", now))

	var g errgroup.Group
	if !cls.AutoAcknowledge {
		g.Go(func() error {
			if _, err := p.scheduler.Arm(ctx, created); err != nil {
				slog.Warn("failed to arm escalation timers", "alert_id", created.ID, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		p.broadcaster.BroadcastNewAlert(ctx, created.Clone(), d.Snapshot)
		return nil
	})
	_ = g.Wait()

	slog.Info("alert created",
		"alert_id", created.ID,
		"store_id", created.StoreID,
		"type", created.Type,
		"severity", created.Severity,
		"priority", created.Priority,
		"auto_acknowledged", cls.AutoAcknowledge,
	)
	return out, nil
}

// Acknowledge applies an operator action. The alert's escalation timers are cancelled
// once the action is durable, before anyone is told about it.
func (p *Pipeline) Acknowledge(ctx context.Context, actor subscription.Principal, alertID string, action alert.AckAction, notes string) (*alert.Alert, error) {
	op := "pipeline." + string(action)
	if !action.Valid() {
		return nil, apperrors.Validation(op, fmt.Sprintf("unknown action %q", action), alert.ErrInvalidAction)
	}
	if _, err := p.authorize(ctx, op, actor, alertID); err != nil {
		return nil, err
	}

	updated, ack, err := p.store.AcknowledgeAlert(ctx, alertID, actor.UserID, action, notes)
	if err != nil {
		return nil, storeError(op, alertID, err)
	}
	p.scheduler.Cancel(alertID)
	p.broadcaster.MarkAcknowledged(alertID, actor.UserID)

	now := p.now()
	if action == alert.ActionDismiss {
		p.fp.RecordFalsePositive(fpSource(updated.CameraID, updated.Location.Area), now)
	}

	if action == alert.ActionResolve {
		resolution := notes
		if resolution == "" {
			resolution = "resolved"
		}
		p.broadcaster.BroadcastResolution(ctx, updated.StoreID, updated.ID, actor.UserID, resolution)
	} else {
		p.broadcaster.BroadcastAcknowledgment(ctx, updated.StoreID, updated.ID, actor.UserID, string(action))
	}

	ev := events.New(events.KindForAction(action), updated, actor.UserID, now)
	ev.Details = map[string]any{"acknowledgmentId": ack.ID}
	if notes != "" {
		ev.Details["notes"] = notes
	}
	p.publish(ctx, ev)
	p.metrics.AlertAction(string(action))

	if updated.Status.IsTerminal() {
		p.archive(ctx, updated)
	}
	return updated, nil
}

// Dismiss marks an alert as a false positive.
func (p *Pipeline) Dismiss(ctx context.Context, actor subscription.Principal, alertID, notes string) (*alert.Alert, error) {
	return p.Acknowledge(ctx, actor, alertID, alert.ActionDismiss, notes)
}

// Resolve closes an alert.
func (p *Pipeline) Resolve(ctx context.Context, actor subscription.Principal, alertID, resolution string) (*alert.Alert, error) {
	return p.Acknowledge(ctx, actor, alertID, alert.ActionResolve, resolution)
}

// BulkAcknowledge acknowledges several alerts of one store and announces them in a
// single message. It returns the ids that were acknowledged; failures for the others
// are joined into the error.
func (p *Pipeline) BulkAcknowledge(ctx context.Context, actor subscription.Principal, storeID string, alertIDs []string) ([]string, error) {
	const op = "pipeline.bulk_acknowledge"
	if !actor.Authenticated || actor.StoreID != storeID {
		return nil, apperrors.Authorization(op, "not allowed to act on alerts of this store")
	}

	now := p.now()
	var acked []string
	var errs []error
	for _, id := range alertIDs {
		a, err := p.authorize(ctx, op, actor, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if a.IsAcknowledged() {
			continue
		}
		updated, _, err := p.store.AcknowledgeAlert(ctx, id, actor.UserID, alert.ActionAcknowledge, "bulk acknowledgment")
		if err != nil {
			errs = append(errs, storeError(op, id, err))
			continue
		}
		p.scheduler.Cancel(id)
		p.broadcaster.MarkAcknowledged(id, actor.UserID)
		acked = append(acked, id)
		p.publish(ctx, events.New(events.AlertBulkAcknowledged, updated, actor.UserID, now))
	}

	if len(acked) > 0 {
		p.broadcaster.BroadcastBulkAcknowledgment(ctx, storeID, acked, actor.UserID)
		p.metrics.AlertAction("bulk_acknowledge")
	}
	return acked, errors.Join(errs...)
}

// Escalate raises an alert to sev on an operator's request. Priority moves up by the
// same number of steps.
func (p *Pipeline) Escalate(ctx context.Context, actor subscription.Principal, alertID string, sev alert.Severity, reason string) (*alert.Alert, error) {
	const op = "pipeline.escalate"
	if !sev.Valid() {
		return nil, apperrors.Validation(op, fmt.Sprintf("invalid severity %q", sev), nil)
	}
	a, err := p.authorize(ctx, op, actor, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status.IsTerminal() {
		return nil, apperrors.Validation(op, "alert is closed", alert.ErrImmutable)
	}
	steps := sev.Rank() - a.Severity.Rank()
	if steps <= 0 {
		return nil, apperrors.Validation(op, fmt.Sprintf("alert is already %s", a.Severity), nil)
	}

	if reason == "" {
		reason = "escalated by " + actor.UserID
	}
	status := alert.StatusEscalated
	prio := a.Priority.EscalateBy(steps)
	updated, err := p.store.UpdateAlert(ctx, alertID, alert.Update{
		Status:   &status,
		Severity: &sev,
		Priority: &prio,
		AddTags:  []string{"manually_escalated"},
		Extra:    map[string]any{"escalatedBy": actor.UserID, "escalationReason": reason},
	})
	if err != nil {
		return nil, storeError(op, alertID, err)
	}

	p.broadcaster.BroadcastEscalation(ctx, updated.StoreID, updated.ID, updated.Severity, reason)

	ev := events.New(events.AlertEscalated, updated, actor.UserID, p.now())
	ev.Details = map[string]any{"reason": reason, "manual": true}
	p.publish(ctx, ev)
	p.metrics.AlertAction("escalate")

	if _, err := p.scheduler.Arm(ctx, updated); err != nil {
		slog.Warn("failed to re-arm escalation timers", "alert_id", alertID, "error", err)
	}
	return updated, nil
}

// authorize loads the alert and checks that actor may act on it.
func (p *Pipeline) authorize(ctx context.Context, op string, actor subscription.Principal, alertID string) (*alert.Alert, error) {
	if !actor.Authenticated {
		return nil, apperrors.Authorization(op, "authentication required")
	}
	a, ok, err := p.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, apperrors.Persistence(op, err)
	}
	if !ok {
		return nil, apperrors.NotFound(op, alertID)
	}
	if a.StoreID != actor.StoreID {
		return nil, apperrors.Authorization(op, "not allowed to act on alerts of this store")
	}
	return a, nil
}

func (p *Pipeline) publish(ctx context.Context, ev events.Event) {
	if err := p.events.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish alert event", "kind", ev.Kind, "alert_id", ev.AlertID, "error", err)
	}
}

func (p *Pipeline) archive(ctx context.Context, a *alert.Alert) {
	if p.archiver == nil {
		return
	}
	rec, err := alertstore.LoadArchive(ctx, p.store, a, p.now())
	if err == nil {
		err = p.archiver.ArchiveAlert(ctx, rec)
	}
	if err != nil {
		slog.Warn("failed to archive closed alert", "alert_id", a.ID, "error", err)
	}
}

func storeError(op, alertID string, err error) error {
	switch {
	case errors.Is(err, alertstore.ErrNotFound):
		return apperrors.NotFound(op, alertID)
	case errors.Is(err, alert.ErrImmutable):
		return apperrors.Validation(op, "alert is closed", err)
	default:
		return apperrors.Persistence(op, err)
	}
}

// fpSource keys false-positive history by camera, or by area for camera-less alerts.
func fpSource(cameraID, area string) string {
	if cameraID != "" {
		return cameraID
	}
	return "area:" + area
}

func buildAlert(d detection.Detection, c classifier.Context, cls classifier.Classification, decision aggregation.Decision, now time.Time) *alert.Alert {
	suppressUntil := cls.SuppressUntil
	if decision.SuppressUntil != nil {
		suppressUntil = decision.SuppressUntil
	}

	var extra map[string]any
	if d.PersonID != "" || len(decision.EscalatedBy) > 0 || c.BaselineBoost > 0 {
		extra = make(map[string]any)
		if d.PersonID != "" {
			extra["personId"] = d.PersonID
		}
		if len(decision.EscalatedBy) > 0 {
			extra["aggregationEscalatedBy"] = decision.EscalatedBy
		}
		if c.BaselineBoost > 0 {
			extra["contextBoost"] = c.BaselineBoost
		}
	}

	return alert.New(alert.Alert{
		StoreID:  d.StoreID,
		CameraID: d.CameraID,
		Type:     detection.NormalizeType(d.Type),
		Severity: cls.Severity,
		Priority: cls.Priority,
		Category: cls.Category,
		Title:    title(d.Type),
		Message:  describe(d),
		Location: d.Location,
		Metadata: alert.Metadata{
			Confidence:         d.Confidence,
			RecommendedActions: cls.RecommendedActions,
			Tags:               cls.Tags,
			DetectionID:        d.ID,
			Source:             string(d.Kind),
			AfterHours:         c.AfterHours,
			RestrictedArea:     c.RestrictedArea,
			EscalationRequired: cls.EscalationRequired,
			SuppressUntil:      suppressUntil,
			Extra:              extra,
		},
		CreatedAt: now,
	}, now)
}

// title turns "weapon_detected" into "Weapon Detected".
func title(typ string) string {
	words := strings.Split(detection.NormalizeType(typ), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func describe(d detection.Detection) string {
	if d.Description != "" {
		return d.Description
	}
	where := d.Location.Area
	if where == "" {
		where = "an unknown area"
	}
	camera := d.CameraID
	if camera == "" {
		camera = "unknown camera"
	}
	return fmt.Sprintf("%s detected by %s in %s (confidence %.0f%%)",
		title(d.Type), camera, where, d.Confidence*100)
}
