// Package pgstore provides a PostgreSQL implementation of alertstore.Gateway.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"storewatch/internal/alert"
	"storewatch/internal/alertstore"
	"storewatch/internal/escalation"
)

var tracer = otel.Tracer("storewatch/internal/alertstore/pgstore")

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// Store persists alerts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ alertstore.Gateway = (*Store)(nil)

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const alertColumns = `id, store_id, camera_id, incident_id, type, severity, priority, category,
	status, is_active, is_read, assigned_to, acknowledged_at, acknowledged_by, resolved_at,
	resolved_by, response_time_s, title, message, location, metadata, created_at, updated_at`

// CreateAlert inserts a new alert.
func (s *Store) CreateAlert(ctx context.Context, a *alert.Alert) (*alert.Alert, error) {
	ctx, span := startSpan(ctx, "CreateAlert", "INSERT")
	defer span.End()

	stored := a.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
		stored.UpdatedAt = stored.CreatedAt
	}
	args, err := alertArgs(stored)
	if err != nil {
		return nil, fail(span, err)
	}
	query := `INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return nil, fail(span, fmt.Errorf("insert alert: %w", err))
	}
	return stored, nil
}

// UpdateAlert locks the row, applies the update and writes it back in one transaction.
func (s *Store) UpdateAlert(ctx context.Context, id string, u alert.Update) (*alert.Alert, error) {
	ctx, span := startSpan(ctx, "UpdateAlert", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	a, err := s.lockAlert(ctx, tx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := a.Apply(u, s.now()); err != nil {
		return nil, fail(span, err)
	}
	if err := s.writeAlert(ctx, tx, a); err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return a, nil
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "GetAlert", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// QueryRecentAlertsForCamera returns the camera's alerts created within window, newest first.
func (s *Store) QueryRecentAlertsForCamera(ctx context.Context, cameraID string, window time.Duration) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "QueryRecentAlertsForCamera", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE camera_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`
	list, err := s.queryAlerts(ctx, query, cameraID, s.now().Add(-window))
	if err != nil {
		return nil, fail(span, err)
	}
	return list, nil
}

// QueryRecentAlertsForStore returns the store's alerts created within window, newest first.
func (s *Store) QueryRecentAlertsForStore(ctx context.Context, storeID string, window time.Duration) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "QueryRecentAlertsForStore", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE store_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`
	list, err := s.queryAlerts(ctx, query, storeID, s.now().Add(-window))
	if err != nil {
		return nil, fail(span, err)
	}
	return list, nil
}

// QueryActiveAlerts returns OPEN and IN_PROGRESS alerts created at or after since.
func (s *Store) QueryActiveAlerts(ctx context.Context, since time.Time) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "QueryActiveAlerts", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE status IN ($1, $2) AND created_at >= $3
		ORDER BY created_at DESC`
	list, err := s.queryAlerts(ctx, query, string(alert.StatusOpen), string(alert.StatusInProgress), since)
	if err != nil {
		return nil, fail(span, err)
	}
	return list, nil
}

// AcknowledgeAlert applies the operator action and inserts the acknowledgment record
// in a single transaction.
func (s *Store) AcknowledgeAlert(ctx context.Context, id, userID string, action alert.AckAction, notes string) (*alert.Alert, *alert.Acknowledgment, error) {
	ctx, span := startSpan(ctx, "AcknowledgeAlert", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	a, err := s.lockAlert(ctx, tx, id)
	if err != nil {
		return nil, nil, fail(span, err)
	}
	ack, err := a.Acknowledge(userID, action, notes, s.now())
	if err != nil {
		return nil, nil, fail(span, err)
	}
	if err := s.writeAlert(ctx, tx, a); err != nil {
		return nil, nil, fail(span, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO alert_acknowledgments (id, alert_id, user_id, action, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ack.ID, ack.AlertID, ack.UserID, string(ack.Action), ack.Notes, ack.CreatedAt,
	)
	if err != nil {
		return nil, nil, fail(span, fmt.Errorf("insert acknowledgment: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return a, ack, nil
}

// ListAcknowledgments returns the alert's acknowledgment records, oldest first.
func (s *Store) ListAcknowledgments(ctx context.Context, alertID string) ([]*alert.Acknowledgment, error) {
	ctx, span := startSpan(ctx, "ListAcknowledgments", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, alert_id, user_id, action, notes, created_at
		 FROM alert_acknowledgments WHERE alert_id = $1 ORDER BY created_at`,
		alertID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query acknowledgments: %w", err))
	}
	defer rows.Close()

	var out []*alert.Acknowledgment
	for rows.Next() {
		var (
			ack    alert.Acknowledgment
			action string
		)
		if err := rows.Scan(&ack.ID, &ack.AlertID, &ack.UserID, &action, &ack.Notes, &ack.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan acknowledgment: %w", err))
		}
		ack.Action = alert.AckAction(action)
		out = append(out, &ack)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate acknowledgments: %w", err))
	}
	return out, nil
}

// GetEscalationRules returns the store's rules followed by the global ones.
func (s *Store) GetEscalationRules(ctx context.Context, storeID string) ([]escalation.Rule, error) {
	ctx, span := startSpan(ctx, "GetEscalationRules", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT definition FROM escalation_rules
		 WHERE store_id = $1 OR store_id = ''
		 ORDER BY (store_id = '') ASC, position ASC, id ASC`,
		storeID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query escalation rules: %w", err))
	}
	defer rows.Close()

	var rules []escalation.Rule
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, fail(span, fmt.Errorf("scan escalation rule: %w", err))
		}
		var r escalation.Rule
		if err := json.Unmarshal(def, &r); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal escalation rule: %w", err))
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate escalation rules: %w", err))
	}
	return rules, nil
}

// SaveEscalationRules upserts rules, keeping their order as the evaluation position.
func (s *Store) SaveEscalationRules(ctx context.Context, rules []escalation.Rule) error {
	ctx, span := startSpan(ctx, "SaveEscalationRules", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	for i, r := range rules {
		def, err := json.Marshal(r)
		if err != nil {
			return fail(span, fmt.Errorf("marshal escalation rule %s: %w", r.ID, err))
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO escalation_rules (id, store_id, position, definition, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET
				store_id   = EXCLUDED.store_id,
				position   = EXCLUDED.position,
				definition = EXCLUDED.definition,
				updated_at = EXCLUDED.updated_at`,
			r.ID, r.StoreID, i, def, s.now(),
		)
		if err != nil {
			return fail(span, fmt.Errorf("upsert escalation rule %s: %w", r.ID, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// RecordExecution inserts an execution. A second successful execution of the same
// rule for an alert violates a partial unique index and is reported as
// alertstore.ErrDuplicateExecution.
func (s *Store) RecordExecution(ctx context.Context, e *escalation.Execution) error {
	ctx, span := startSpan(ctx, "RecordExecution", "INSERT")
	defer span.End()

	actions, err := json.Marshal(e.ActionsTaken)
	if err != nil {
		return fail(span, fmt.Errorf("marshal actions: %w", err))
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO escalation_executions
			(id, alert_id, rule_id, store_id, trigger, executed_at, actions_taken, success, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AlertID, e.RuleID, e.StoreID, e.Trigger, e.ExecutedAt, actions, e.Success, e.Error,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fail(span, fmt.Errorf("%w: alert %s rule %s", alertstore.ErrDuplicateExecution, e.AlertID, e.RuleID))
		}
		return fail(span, fmt.Errorf("insert execution: %w", err))
	}
	return nil
}

// HasSuccessfulExecution reports whether the rule already succeeded for the alert.
func (s *Store) HasSuccessfulExecution(ctx context.Context, alertID, ruleID string) (bool, error) {
	ctx, span := startSpan(ctx, "HasSuccessfulExecution", "SELECT")
	defer span.End()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM escalation_executions WHERE alert_id = $1 AND rule_id = $2 AND success)`,
		alertID, ruleID,
	).Scan(&exists)
	if err != nil {
		return false, fail(span, fmt.Errorf("query executions: %w", err))
	}
	return exists, nil
}

// ListExecutions returns the alert's executions, oldest first.
func (s *Store) ListExecutions(ctx context.Context, alertID string) ([]*escalation.Execution, error) {
	ctx, span := startSpan(ctx, "ListExecutions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, alert_id, rule_id, store_id, trigger, executed_at, actions_taken, success, error
		 FROM escalation_executions WHERE alert_id = $1 ORDER BY executed_at`,
		alertID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query executions: %w", err))
	}
	defer rows.Close()

	var out []*escalation.Execution
	for rows.Next() {
		var (
			e       escalation.Execution
			actions []byte
		)
		if err := rows.Scan(&e.ID, &e.AlertID, &e.RuleID, &e.StoreID, &e.Trigger, &e.ExecutedAt, &actions, &e.Success, &e.Error); err != nil {
			return nil, fail(span, fmt.Errorf("scan execution: %w", err))
		}
		if err := json.Unmarshal(actions, &e.ActionsTaken); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal actions: %w", err))
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate executions: %w", err))
	}
	return out, nil
}

func (s *Store) lockAlert(ctx context.Context, tx pgx.Tx, id string) (*alert.Alert, error) {
	a, err := scanAlert(tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", alertstore.ErrNotFound, id)
	}
	return a, nil
}

func (s *Store) writeAlert(ctx context.Context, tx pgx.Tx, a *alert.Alert) error {
	args, err := alertArgs(a)
	if err != nil {
		return err
	}
	query := `UPDATE alerts SET
		store_id = $2, camera_id = $3, incident_id = $4, type = $5, severity = $6,
		priority = $7, category = $8, status = $9, is_active = $10, is_read = $11,
		assigned_to = $12, acknowledged_at = $13, acknowledged_by = $14, resolved_at = $15,
		resolved_by = $16, response_time_s = $17, title = $18, message = $19,
		location = $20, metadata = $21, created_at = $22, updated_at = $23
		WHERE id = $1`
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return nil
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]*alert.Alert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

// alertArgs returns the column values in alertColumns order.
func alertArgs(a *alert.Alert) ([]any, error) {
	location, err := json.Marshal(a.Location)
	if err != nil {
		return nil, fmt.Errorf("marshal location: %w", err)
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return []any{
		a.ID, a.StoreID, a.CameraID, a.IncidentID, a.Type, string(a.Severity),
		string(a.Priority), string(a.Category), string(a.Status), a.IsActive, a.IsRead,
		a.AssignedTo, a.AcknowledgedAt, a.AcknowledgedBy, a.ResolvedAt, a.ResolvedBy,
		a.ResponseTime, a.Title, a.Message, location, metadata, a.CreatedAt, a.UpdatedAt,
	}, nil
}

// scanAlert scans one row. Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a                                    alert.Alert
		severity, priority, category, status string
		location, metadata                   []byte
	)
	err := row.Scan(
		&a.ID, &a.StoreID, &a.CameraID, &a.IncidentID, &a.Type, &severity,
		&priority, &category, &status, &a.IsActive, &a.IsRead,
		&a.AssignedTo, &a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt, &a.ResolvedBy,
		&a.ResponseTime, &a.Title, &a.Message, &location, &metadata, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	a.Severity = alert.Severity(severity)
	a.Priority = alert.Priority(priority)
	a.Category = alert.Category(category)
	a.Status = alert.Status(status)
	if err := json.Unmarshal(location, &a.Location); err != nil {
		return nil, fmt.Errorf("unmarshal location: %w", err)
	}
	if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &a, nil
}
