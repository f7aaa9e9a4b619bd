package subscription

import (
	"fmt"
	"sync"
	"testing"

	"storewatch/internal/alert"
	apperrors "storewatch/internal/errors"
	"storewatch/internal/message"
)

type fakeConn struct {
	mu        sync.Mutex
	principal Principal
	closed    bool
	sent      []message.Message
}

func newConn(userID, storeID string) *fakeConn {
	return &fakeConn{principal: Principal{UserID: userID, StoreID: storeID, Authenticated: true}}
}

func (c *fakeConn) Send(msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Principal() Principal { return c.principal }

func (c *fakeConn) last() message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func TestRegister(t *testing.T) {
	r := NewRegistry(nil)
	conn := newConn("u1", "store-1")

	sub, err := r.Register("c1", conn, Request{StoreID: "store-1"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if sub.Preferences.MaxAlertsPerMinute != DefaultMaxAlertsPerMinute {
		t.Errorf("MaxAlertsPerMinute = %d, want default", sub.Preferences.MaxAlertsPerMinute)
	}
	if sub.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", sub.UserID)
	}
	if got := conn.last(); got == nil || got.MessageType() != message.TypeSubscriptionConfirmed {
		t.Errorf("last message = %v, want subscription confirmation", got)
	}
	if r.Count() != 1 || r.StoreCount("store-1") != 1 {
		t.Errorf("Count=%d StoreCount=%d, want 1/1", r.Count(), r.StoreCount("store-1"))
	}
}

func TestRegisterRejections(t *testing.T) {
	tests := []struct {
		name     string
		conn     *fakeConn
		req      Request
		wantKind apperrors.Kind
	}{
		{
			name:     "unauthenticated",
			conn:     &fakeConn{principal: Principal{StoreID: "store-1"}},
			req:      Request{StoreID: "store-1"},
			wantKind: apperrors.KindAuthorization,
		},
		{
			name:     "cross store",
			conn:     newConn("u1", "store-1"),
			req:      Request{StoreID: "store-2"},
			wantKind: apperrors.KindAuthorization,
		},
		{
			name:     "bad severity filter",
			conn:     newConn("u1", "store-1"),
			req:      Request{StoreID: "store-1", Filters: Filters{Severity: []alert.Severity{"extreme"}}},
			wantKind: apperrors.KindValidation,
		},
		{
			name:     "negative rate",
			conn:     newConn("u1", "store-1"),
			req:      Request{StoreID: "store-1", Preferences: Preferences{MaxAlertsPerMinute: -1}},
			wantKind: apperrors.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil)
			_, err := r.Register("c1", tt.conn, tt.req)
			if !apperrors.Is(err, tt.wantKind) {
				t.Fatalf("Register() error = %v, want kind %s", err, tt.wantKind)
			}
			msg, ok := tt.conn.last().(message.Error)
			if !ok {
				t.Fatalf("last message = %#v, want error message", tt.conn.last())
			}
			if msg.Message == "" {
				t.Error("error message is empty")
			}
			if r.Count() != 0 {
				t.Errorf("Count() = %d, want 0", r.Count())
			}
		})
	}
}

func TestReRegisterMovesIndex(t *testing.T) {
	r := NewRegistry(nil)
	conn := newConn("u1", "store-1")
	if _, err := r.Register("c1", conn, Request{StoreID: "store-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("c1", conn, Request{StoreID: "store-1", Filters: Filters{Types: []string{"theft_detected"}}}); err != nil {
		t.Fatal(err)
	}
	if r.StoreCount("store-1") != 1 || r.Count() != 1 {
		t.Errorf("StoreCount=%d Count=%d, want 1/1", r.StoreCount("store-1"), r.Count())
	}
	sub, _ := r.Get("c1")
	if len(sub.Filters.Types) != 1 {
		t.Errorf("filters not replaced: %+v", sub.Filters)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	conn := newConn("u1", "store-1")
	if _, err := r.Register("c1", conn, Request{StoreID: "store-1"}); err != nil {
		t.Fatal(err)
	}

	if !r.Unsubscribe("c1") {
		t.Error("Unsubscribe() = false, want true")
	}
	if got := conn.last(); got.MessageType() != message.TypeUnsubscriptionConfirmed {
		t.Errorf("last message = %v, want unsubscription confirmation", got.MessageType())
	}
	if r.Unregister("c1") {
		t.Error("second Unregister() = true, want false")
	}
	if r.Unsubscribe("c1") {
		t.Error("Unsubscribe() of unknown client = true")
	}
	if r.StoreCount("store-1") != 0 {
		t.Errorf("StoreCount() = %d, want 0", r.StoreCount("store-1"))
	}
	if len(r.Subscribers("store-1")) != 0 {
		t.Error("Subscribers() still lists removed client")
	}
}

func TestUpdateFilters(t *testing.T) {
	r := NewRegistry(nil)
	conn := newConn("u1", "store-1")
	if _, err := r.Register("c1", conn, Request{StoreID: "store-1"}); err != nil {
		t.Fatal(err)
	}

	sub, err := r.UpdateFilters("c1", Filters{Severity: []alert.Severity{alert.SeverityCritical}})
	if err != nil {
		t.Fatalf("UpdateFilters() error = %v", err)
	}
	if len(sub.Filters.Severity) != 1 {
		t.Errorf("filters = %+v", sub.Filters)
	}
	if got := conn.last(); got.MessageType() != message.TypeFiltersUpdated {
		t.Errorf("last message = %v, want filters updated", got.MessageType())
	}

	if _, err := r.UpdateFilters("c1", Filters{Severity: []alert.Severity{"bogus"}}); !apperrors.Is(err, apperrors.KindValidation) {
		t.Errorf("UpdateFilters(bad) error = %v, want validation", err)
	}
	if got := conn.last(); got.MessageType() != message.TypeError {
		t.Errorf("last message = %v, want error", got.MessageType())
	}
	if _, err := r.UpdateFilters("nobody", Filters{}); err == nil {
		t.Error("UpdateFilters(unknown) succeeded")
	}

	// Snapshots must not alias registry state.
	subs := r.Subscribers("store-1")
	subs[0].Subscription.Filters.Severity[0] = alert.SeverityLow
	again, _ := r.Get("c1")
	if again.Filters.Severity[0] != alert.SeverityCritical {
		t.Error("Subscribers() snapshot aliases registry state")
	}
}

func TestFilterTypesAreNormalized(t *testing.T) {
	r := NewRegistry(nil)
	conn := newConn("u1", "store-1")
	a := &alert.Alert{StoreID: "store-1", CameraID: "cam1", Type: "weapon_detected", Severity: alert.SeverityCritical}

	sub, err := r.Register("c1", conn, Request{StoreID: "store-1", Filters: Filters{Types: []string{"Weapon-Detected"}}})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Filters.Types[0] != "weapon_detected" {
		t.Errorf("registered type = %q, want weapon_detected", sub.Filters.Types[0])
	}
	if !Matches(sub, a) {
		t.Error("Register: Weapon-Detected filter does not match weapon_detected alert")
	}

	sub, err = r.UpdateFilters("c1", Filters{Types: []string{" Theft Detected ", "weapon.detected"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := sub.Filters.Types; got[0] != "theft_detected" || got[1] != "weapon_detected" {
		t.Errorf("updated types = %q", got)
	}
	if !Matches(sub, a) {
		t.Error("UpdateFilters: weapon.detected filter does not match weapon_detected alert")
	}
}

func TestMatches(t *testing.T) {
	a := &alert.Alert{
		StoreID:    "store-1",
		CameraID:   "cam1",
		Type:       "theft_detected",
		Severity:   alert.SeverityLow,
		AssignedTo: "u2",
		Location:   alert.Location{Area: "Electronics"},
	}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"no filters", Subscription{}, true},
		{"critical only rejects low", Subscription{Filters: Filters{Severity: []alert.Severity{alert.SeverityCritical}}}, false},
		{"severity allowed", Subscription{Filters: Filters{Severity: []alert.Severity{alert.SeverityLow}}}, true},
		{"type mismatch", Subscription{Filters: Filters{Types: []string{"weapon_detected"}}}, false},
		{"camera match", Subscription{Filters: Filters{Cameras: []string{"cam1", "cam2"}}}, true},
		{"camera mismatch", Subscription{Filters: Filters{Cameras: []string{"cam9"}}}, false},
		{"area mismatch", Subscription{Filters: Filters{Areas: []string{"Entrance"}}}, false},
		{"suppress low", Subscription{Preferences: Preferences{SuppressLowSeverity: true}}, false},
		{"only assigned to other", Subscription{UserID: "u1", Preferences: Preferences{OnlyAssignedAlerts: true}}, false},
		{"only assigned to me", Subscription{UserID: "u2", Preferences: Preferences{OnlyAssignedAlerts: true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.sub, a); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConcurrentRegistry(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if _, err := r.Register(id, newConn("u", "store-1"), Request{StoreID: "store-1"}); err != nil {
				t.Errorf("Register(%s) error = %v", id, err)
			}
			_ = r.Subscribers("store-1")
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 25 || r.StoreCount("store-1") != 25 {
		t.Errorf("Count=%d StoreCount=%d, want 25/25", r.Count(), r.StoreCount("store-1"))
	}
}
