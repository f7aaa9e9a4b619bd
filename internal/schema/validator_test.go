package schema

import (
	"strings"
	"testing"
)

type payload struct {
	StoreID  string   `validate:"required,ident"`
	Severity []string `validate:"omitempty,max=4,dive,severity"`
	Priority string   `validate:"omitempty,priority"`
	Action   string   `validate:"required,ack_action"`
	PerMin   int      `validate:"gte=0,lte=600"`
}

func TestValidatorStruct(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		in      payload
		wantErr string
	}{
		{"valid", payload{StoreID: "store-1", Severity: []string{"high", "critical"}, Action: "resolve"}, ""},
		{"missing store", payload{Action: "acknowledge"}, "StoreID is required"},
		{"bad severity", payload{StoreID: "s1", Severity: []string{"extreme"}, Action: "dismiss"}, "invalid severity"},
		{"bad priority", payload{StoreID: "s1", Priority: "asap", Action: "dismiss"}, "invalid priority"},
		{"bad action", payload{StoreID: "s1", Action: "ignore"}, "invalid action"},
		{"bad ident", payload{StoreID: "../etc", Action: "dismiss"}, "invalid identifier"},
		{"rate too high", payload{StoreID: "s1", Action: "dismiss", PerMin: 1000}, "PerMin must be at most 600"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.in)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Struct() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Struct() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidIdent(t *testing.T) {
	for _, s := range []string{"cam1", "store-42", "a.b:c_d"} {
		if !ValidIdent(s) {
			t.Errorf("ValidIdent(%q) = false", s)
		}
	}
	for _, s := range []string{"", "-x", "with space", strings.Repeat("a", 200)} {
		if ValidIdent(s) {
			t.Errorf("ValidIdent(%q) = true", s)
		}
	}
}
