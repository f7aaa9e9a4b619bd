// Package alertstore defines the persistence gateway the alert engine reads and writes
// alerts through. Adapters live in the memstore and pgstore subpackages.
package alertstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/escalation"
)

// ErrNotFound is returned when an alert does not exist.
var ErrNotFound = errors.New("alert not found")

// Gateway is the alert persistence contract.
//
// AcknowledgeAlert must be atomic: the alert mutation and the acknowledgment record
// succeed or fail together.
type Gateway interface {
	CreateAlert(ctx context.Context, a *alert.Alert) (*alert.Alert, error)
	UpdateAlert(ctx context.Context, id string, u alert.Update) (*alert.Alert, error)
	GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error)
	QueryRecentAlertsForCamera(ctx context.Context, cameraID string, window time.Duration) ([]*alert.Alert, error)
	QueryRecentAlertsForStore(ctx context.Context, storeID string, window time.Duration) ([]*alert.Alert, error)
	QueryActiveAlerts(ctx context.Context, since time.Time) ([]*alert.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, userID string, action alert.AckAction, notes string) (*alert.Alert, *alert.Acknowledgment, error)
	ListAcknowledgments(ctx context.Context, alertID string) ([]*alert.Acknowledgment, error)

	escalation.RuleSource
	escalation.ExecutionLog
}

// ErrDuplicateExecution is returned when a second successful execution of the same
// rule is recorded for an alert.
var ErrDuplicateExecution = errors.New("rule already executed successfully for alert")

// Archive is a closed alert together with its audit history.
type Archive struct {
	Alert           *alert.Alert            `json:"alert"`
	Acknowledgments []*alert.Acknowledgment `json:"acknowledgments"`
	Executions      []*escalation.Execution `json:"executions"`
	ArchivedAt      time.Time               `json:"archivedAt"`
}

// LoadArchive collects the audit history of a from g.
func LoadArchive(ctx context.Context, g Gateway, a *alert.Alert, now time.Time) (*Archive, error) {
	acks, err := g.ListAcknowledgments(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("list acknowledgments: %w", err)
	}
	execs, err := g.ListExecutions(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return &Archive{Alert: a, Acknowledgments: acks, Executions: execs, ArchivedAt: now}, nil
}
