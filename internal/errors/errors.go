// Package errors defines the error taxonomy of the alert engine and the helpers that
// turn errors into messages safe to send to subscribed clients.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	// KindAuthorization covers unauthenticated or cross-store access attempts.
	KindAuthorization Kind = "authorization"
	// KindValidation covers malformed subscription, acknowledgment or rule payloads.
	KindValidation Kind = "validation"
	// KindNotFound covers operations that reference an unknown alert.
	KindNotFound Kind = "not_found"
	// KindDelivery covers a single client's failed send.
	KindDelivery Kind = "delivery"
	// KindEscalationAction covers one failed automated escalation action.
	KindEscalationAction Kind = "escalation_action"
	// KindPersistence covers failures of the alert store.
	KindPersistence Kind = "persistence"
	// KindInternal is used for errors that carry no kind.
	KindInternal Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Authorization returns an authorization error.
func Authorization(op, msg string) error {
	return &Error{Kind: KindAuthorization, Op: op, Msg: msg}
}

// Validation returns a validation error. err may be nil.
func Validation(op, msg string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg, Err: err}
}

// NotFound returns a not-found error for the given alert id.
func NotFound(op, alertID string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("alert %s not found", alertID)}
}

// Delivery wraps a failed send to one client.
func Delivery(op, clientID string, err error) error {
	return &Error{Kind: KindDelivery, Op: op, Msg: "client " + clientID, Err: err}
}

// EscalationAction wraps a failed automated escalation action.
func EscalationAction(action string, err error) error {
	return &Error{Kind: KindEscalationAction, Op: action, Err: err}
}

// Persistence wraps an alert store failure.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
