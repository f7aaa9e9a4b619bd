package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"storewatch/internal/broadcast"
	"storewatch/internal/escalation"
)

const (
	deliveriesTable = "alert_deliveries"
	executionsTable = "escalation_executions"
)

// BatchPreparer prepares ClickHouse batch inserts. *ClickHouseClient implements it.
type BatchPreparer interface {
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

// DeliveryWriter records broadcast delivery records in alert_deliveries.
type DeliveryWriter struct {
	*BatchWriter[broadcast.DeliveryMetric]
}

// NewDeliveryWriter creates a DeliveryWriter.
func NewDeliveryWriter(db BatchPreparer, cfg BatchWriterConfig) *DeliveryWriter {
	return &DeliveryWriter{NewBatchWriter(deliveriesTable, insertDeliveries(db), cfg)}
}

// WriteDelivery implements broadcast.DeliverySink.
func (w *DeliveryWriter) WriteDelivery(m broadcast.DeliveryMetric) error {
	return w.Write(m)
}

func insertDeliveries(db BatchPreparer) InsertFunc[broadcast.DeliveryMetric] {
	return func(ctx context.Context, rows []broadcast.DeliveryMetric) error {
		batch, err := db.PrepareBatch(ctx, `
			INSERT INTO alert_deliveries (
				sent_at, client_id, store_id, alert_id,
				message_type, status, latency_us, error,
				delivered_at, acknowledged_at, acknowledged_by
			)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, m := range rows {
			err := batch.Append(
				m.SentAt,
				m.ClientID,
				m.StoreID,
				m.AlertID,
				string(m.MessageType),
				m.Status,
				m.Latency.Microseconds(),
				m.Error,
				m.DeliveredAt,
				m.AcknowledgedAt,
				m.AcknowledgedBy,
			)
			if err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append delivery: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	}
}

// ExecutionWriter records escalation executions in escalation_executions.
type ExecutionWriter struct {
	*BatchWriter[*escalation.Execution]
}

// NewExecutionWriter creates an ExecutionWriter.
func NewExecutionWriter(db BatchPreparer, cfg BatchWriterConfig) *ExecutionWriter {
	return &ExecutionWriter{NewBatchWriter(executionsTable, insertExecutions(db), cfg)}
}

// WriteExecution implements escalation.AuditSink.
func (w *ExecutionWriter) WriteExecution(e *escalation.Execution) error {
	return w.Write(e)
}

func insertExecutions(db BatchPreparer) InsertFunc[*escalation.Execution] {
	return func(ctx context.Context, rows []*escalation.Execution) error {
		batch, err := db.PrepareBatch(ctx, `
			INSERT INTO escalation_executions (
				execution_id, executed_at, alert_id, rule_id, store_id,
				trigger, actions, success, error
			)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, e := range rows {
			actions := e.ActionsTaken
			if actions == nil {
				actions = []string{}
			}
			err := batch.Append(
				e.ID,
				e.ExecutedAt,
				e.AlertID,
				e.RuleID,
				e.StoreID,
				e.Trigger,
				actions,
				e.Success,
				e.Error,
			)
			if err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append execution: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	}
}

// Querier runs ClickHouse queries. *ClickHouseClient implements it.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// DeliverySummary is the delivery outcome count of one message type.
type DeliverySummary struct {
	MessageType  string  `json:"messageType"`
	Status       string  `json:"status"`
	Count        uint64  `json:"count"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// QueryDeliverySummary aggregates delivery outcomes of a store since a point in time.
func QueryDeliverySummary(ctx context.Context, q Querier, storeID string, since time.Time) ([]DeliverySummary, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT message_type, status, count() AS n, avg(latency_us) / 1000 AS avg_ms
		FROM alert_deliveries
		WHERE sent_at >= ?`)
	args := []any{since}
	if storeID != "" {
		sb.WriteString(" AND store_id = ?")
		args = append(args, storeID)
	}
	sb.WriteString(" GROUP BY message_type, status ORDER BY message_type, status")

	rows, err := q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, WrapQueryError("Query", deliveriesTable, err)
	}
	defer rows.Close()

	var out []DeliverySummary
	for rows.Next() {
		var s DeliverySummary
		if err := rows.Scan(&s.MessageType, &s.Status, &s.Count, &s.AvgLatencyMs); err != nil {
			return nil, WrapQueryError("Scan", deliveriesTable, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
