package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindInternal},
		{"authorization", Authorization("register", "store mismatch"), KindAuthorization},
		{"wrapped not found", fmt.Errorf("ack: %w", NotFound("acknowledge", "a1")), KindNotFound},
		{"persistence", Persistence("create alert", errors.New("conn reset")), KindPersistence},
		{"delivery", Delivery("send", "c1", errors.New("closed")), KindDelivery},
		{"escalation action", EscalationAction("lockdown_area", errors.New("503")), KindEscalationAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPersistenceNil(t *testing.T) {
	if err := Persistence("op", nil); err != nil {
		t.Errorf("Persistence(nil) = %v, want nil", err)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Persistence("update alert", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestSafeMessage(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		contains    string
		notContains string
	}{
		{
			name:     "authorization keeps reason",
			err:      Authorization("register", "connection is not authenticated"),
			contains: "connection is not authenticated",
		},
		{
			name:     "not found keeps id",
			err:      NotFound("acknowledge", "alert-42"),
			contains: "alert-42",
		},
		{
			name:        "persistence is collapsed",
			err:         Persistence("create alert", errors.New("dial tcp 10.1.2.3:5432: password=hunter2")),
			contains:    "unavailable",
			notContains: "hunter2",
		},
		{
			name:        "plain errors are sanitized",
			err:         errors.New("open /var/lib/storewatch/state.db: permission denied"),
			contains:    "state.db",
			notContains: "/var/lib",
		},
		{
			name:     "validation includes cause",
			err:      Validation("subscribe", "invalid subscription", errors.New("severity must be one of low medium high critical")),
			contains: "severity must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := SafeMessage(tt.err)
			if tt.contains != "" && !strings.Contains(msg, tt.contains) {
				t.Errorf("SafeMessage() = %q, want it to contain %q", msg, tt.contains)
			}
			if tt.notContains != "" && strings.Contains(msg, tt.notContains) {
				t.Errorf("SafeMessage() = %q, must not contain %q", msg, tt.notContains)
			}
		})
	}
}

func TestSanitizeString_IPMasking(t *testing.T) {
	got := SanitizeString("connection failed to 192.168.1.100")
	if !strings.Contains(got, "192.168.x.x") {
		t.Errorf("expected masked address, got %q", got)
	}
}
