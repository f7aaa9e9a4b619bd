// Package schema validates payloads received from clients and rule files.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"storewatch/internal/alert"
)

// identPattern restricts identifiers (store, camera, client ids) to a safe character set.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)

// Validator wraps go-playground/validator with the engine's custom tags:
//
//	severity   one of low, medium, high, critical
//	priority   one of low, normal, urgent, immediate
//	ack_action one of acknowledge, dismiss, resolve
//	ident      a bounded identifier
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the custom tags registered.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return alert.Severity(fl.Field().String()).Valid()
	})
	v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		return alert.Priority(fl.Field().String()).Valid()
	})
	v.RegisterValidation("ack_action", func(fl validator.FieldLevel) bool {
		return alert.AckAction(fl.Field().String()).Valid()
	})
	v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// Struct validates s and returns a readable error naming each failing field.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation failed: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ValidIdent reports whether s is an acceptable identifier.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "severity":
		return fmt.Sprintf("%s: invalid severity %q", field, fe.Value())
	case "priority":
		return fmt.Sprintf("%s: invalid priority %q", field, fe.Value())
	case "ack_action":
		return fmt.Sprintf("%s: invalid action %q", field, fe.Value())
	case "ident":
		return fmt.Sprintf("%s: invalid identifier %q", field, fe.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
