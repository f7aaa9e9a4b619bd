// Package ingest gates raw detections before they enter the alert pipeline and
// exposes the HTTP endpoint detectors post to.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"storewatch/internal/classifier"
	"storewatch/internal/detection"
	apperrors "storewatch/internal/errors"
	"storewatch/internal/metrics"
	"storewatch/internal/pipeline"
)

// Rejection reasons reported in Result.Reason.
const (
	ReasonAutoAlertsDisabled = "automatic alerts are disabled"
	ReasonLowConfidence      = "confidence below threshold"
	ReasonDuplicate          = "duplicate detection suppressed"
)

// Metric labels for ingest outcomes.
const (
	resultAccepted   = "accepted"
	resultRejected   = "rejected"
	resultDuplicate  = "duplicate"
	resultSuppressed = "suppressed"
	resultInvalid    = "invalid"
	resultError      = "error"
)

// Multipliers weigh situational risk factors. Their product is compared against
// the step thresholds to decide how far the classifier baseline is raised.
type Multipliers struct {
	AfterHours       float64 `yaml:"after_hours"`
	RestrictedArea   float64 `yaml:"restricted_area"`
	RepeatOffender   float64 `yaml:"repeat_offender"`
	OneStepThreshold float64 `yaml:"one_step_threshold"`
	TwoStepThreshold float64 `yaml:"two_step_threshold"`
}

// DefaultMultipliers returns the default weights and thresholds.
func DefaultMultipliers() Multipliers {
	return Multipliers{
		AfterHours:       1.5,
		RestrictedArea:   2.0,
		RepeatOffender:   1.5,
		OneStepThreshold: 1.5,
		TwoStepThreshold: 2.5,
	}
}

// Boost returns the combined multiplier for c and the number of baseline steps
// (0-2) it is worth.
func (m Multipliers) Boost(c classifier.Context) (float64, int) {
	combined := 1.0
	if c.AfterHours {
		combined *= m.AfterHours
	}
	if c.RestrictedArea {
		combined *= m.RestrictedArea
	}
	if c.RepeatOffender {
		combined *= m.RepeatOffender
	}
	switch {
	case combined > m.TwoStepThreshold:
		return combined, 2
	case combined > m.OneStepThreshold:
		return combined, 1
	default:
		return combined, 0
	}
}

// Config holds the adapter configuration.
type Config struct {
	AutoAlertsEnabled   bool          `yaml:"auto_alerts_enabled"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	DedupeWindow        time.Duration `yaml:"dedupe_window"`
	BatchConcurrency    int           `yaml:"batch_concurrency"`
	Multipliers         Multipliers   `yaml:"multipliers"`
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		AutoAlertsEnabled:   true,
		ConfidenceThreshold: 0.3,
		DedupeWindow:        5 * time.Minute,
		BatchConcurrency:    5,
		Multipliers:         DefaultMultipliers(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %.2f outside [0,1]", c.ConfidenceThreshold)
	}
	if c.DedupeWindow < 0 {
		return errors.New("dedupe_window must not be negative")
	}
	if c.BatchConcurrency < 1 {
		return errors.New("batch_concurrency must be at least 1")
	}
	if c.Multipliers.TwoStepThreshold < c.Multipliers.OneStepThreshold {
		return errors.New("two_step_threshold must not be below one_step_threshold")
	}
	return nil
}

// Processor is the downstream alert pipeline.
type Processor interface {
	Process(ctx context.Context, d detection.Detection, c classifier.Context) (pipeline.Outcome, error)
}

// Result is the outcome of ingesting one detection.
type Result struct {
	DetectionID string `json:"detectionId,omitempty"`
	Accepted    bool   `json:"accepted"`
	AlertID     string `json:"alertId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Adapter gates detections and hands the accepted ones to the pipeline.
type Adapter struct {
	cfg       Config
	profiles  *classifier.Profiles
	dedupe    DedupeStore
	processor Processor
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewAdapter creates an adapter. A nil dedupe store uses an in-memory one; nil
// profiles use the default store profile for every store.
func NewAdapter(cfg Config, profiles *classifier.Profiles, dedupe DedupeStore, processor Processor, m *metrics.Metrics) *Adapter {
	if cfg.BatchConcurrency < 1 {
		cfg.BatchConcurrency = DefaultConfig().BatchConcurrency
	}
	if profiles == nil {
		profiles, _ = classifier.NewProfiles(classifier.DefaultStoreProfile(), nil)
	}
	if dedupe == nil {
		dedupe = NewMemoryDedupe()
	}
	return &Adapter{
		cfg:       cfg,
		profiles:  profiles,
		dedupe:    dedupe,
		processor: processor,
		metrics:   m,
		now:       time.Now,
	}
}

// Ingest runs the gates for d and, if it passes, processes it into an alert.
// Rejections are reported in the result; the error is reserved for invalid input
// and pipeline failures.
func (a *Adapter) Ingest(ctx context.Context, d detection.Detection) (Result, error) {
	res := Result{DetectionID: d.ID}
	if err := d.Validate(); err != nil {
		a.metrics.Detection(resultInvalid)
		return res, apperrors.Validation("ingest", "invalid detection", err)
	}

	if !a.cfg.AutoAlertsEnabled {
		return a.reject(res, resultRejected, ReasonAutoAlertsDisabled), nil
	}
	if d.Confidence < a.cfg.ConfidenceThreshold {
		return a.reject(res, resultRejected, ReasonLowConfidence), nil
	}

	dedupeKey := d.StoreID + "|" + d.DedupeKey()
	marked := false
	if a.cfg.DedupeWindow > 0 {
		seen, err := a.dedupe.Seen(ctx, dedupeKey, a.cfg.DedupeWindow)
		switch {
		case err != nil:
			// Dedupe failures fail open.
			slog.Warn("dedupe check failed", "detection_id", d.ID, "error", err)
		case seen:
			return a.reject(res, resultDuplicate, ReasonDuplicate), nil
		default:
			marked = true
		}
	}

	c := a.profiles.Context(d, a.now())
	combined, steps := a.cfg.Multipliers.Boost(c)
	c.BaselineBoost = steps
	if steps > 0 {
		slog.Debug("contextual boost applied",
			"detection_id", d.ID,
			"combined_multiplier", combined,
			"steps", steps,
		)
	}

	out, err := a.processor.Process(ctx, d, c)
	if err != nil {
		// No alert exists for the key, so a retry must not be treated as a duplicate.
		if marked {
			if ferr := a.dedupe.Forget(context.WithoutCancel(ctx), dedupeKey); ferr != nil {
				slog.Warn("dedupe release failed", "detection_id", d.ID, "error", ferr)
			}
		}
		a.metrics.Detection(resultError)
		return res, err
	}
	if out.Suppressed() {
		return a.reject(res, resultSuppressed, out.Decision.Reason), nil
	}

	a.metrics.Detection(resultAccepted)
	res.Accepted = true
	res.AlertID = out.Alert.ID
	return res, nil
}

func (a *Adapter) reject(res Result, label, reason string) Result {
	a.metrics.Detection(label)
	res.Reason = reason
	return res
}

// IngestBatch ingests ds with at most BatchConcurrency detections in flight.
// Results are in input order; errors are joined.
func (a *Adapter) IngestBatch(ctx context.Context, ds []detection.Detection) ([]Result, error) {
	results := make([]Result, len(ds))
	errs := make([]error, len(ds))

	var g errgroup.Group
	g.SetLimit(a.cfg.BatchConcurrency)
	for i, d := range ds {
		g.Go(func() error {
			res, err := a.Ingest(ctx, d)
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("detection %d: %w", i, err)
				results[i].Reason = apperrors.SafeMessage(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// IngestRaw normalizes a raw payload and ingests the detections it yields.
func (a *Adapter) IngestRaw(ctx context.Context, raw detection.Raw) ([]Result, error) {
	ds, err := raw.Normalize()
	if err != nil {
		a.metrics.Detection(resultInvalid)
		return nil, apperrors.Validation("ingest", "invalid detection payload", err)
	}
	return a.IngestBatch(ctx, ds)
}
