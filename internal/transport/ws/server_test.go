package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"storewatch/internal/alert"
	apperrors "storewatch/internal/errors"
	"storewatch/internal/message"
	"storewatch/internal/subscription"
)

type call struct {
	method  string
	actor   subscription.Principal
	alertID string
	arg     string
	ids     []string
}

type fakeActions struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeActions) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeActions) last(t *testing.T) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no action recorded")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeActions) Acknowledge(_ context.Context, actor subscription.Principal, alertID string, action alert.AckAction, notes string) (*alert.Alert, error) {
	return nil, f.record(call{method: string(action), actor: actor, alertID: alertID, arg: notes})
}

func (f *fakeActions) Dismiss(_ context.Context, actor subscription.Principal, alertID, notes string) (*alert.Alert, error) {
	return nil, f.record(call{method: "dismiss", actor: actor, alertID: alertID, arg: notes})
}

func (f *fakeActions) Resolve(_ context.Context, actor subscription.Principal, alertID, resolution string) (*alert.Alert, error) {
	return nil, f.record(call{method: "resolve", actor: actor, alertID: alertID, arg: resolution})
}

func (f *fakeActions) BulkAcknowledge(_ context.Context, actor subscription.Principal, storeID string, ids []string) ([]string, error) {
	return ids, f.record(call{method: "bulk_acknowledge", actor: actor, arg: storeID, ids: ids})
}

func (f *fakeActions) Escalate(_ context.Context, actor subscription.Principal, alertID string, sev alert.Severity, reason string) (*alert.Alert, error) {
	return nil, f.record(call{method: "escalate", actor: actor, alertID: alertID, arg: string(sev) + ":" + reason})
}

type fakeForgetter struct {
	mu        sync.Mutex
	forgotten []string
}

func (f *fakeForgetter) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
}

func (f *fakeForgetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forgotten)
}

type harness struct {
	srv      *Server
	http     *httptest.Server
	registry *subscription.Registry
	actions  *fakeActions
	forget   *fakeForgetter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: subscription.NewRegistry(nil),
		actions:  &fakeActions{},
		forget:   &fakeForgetter{},
	}
	auth := NewTokenAuth([]TokenConfig{{Token: "op-token", UserID: "u1", StoreID: "store-1", Role: "operator"}})
	h.srv = NewServer(DefaultConfig(), auth, h.registry, h.actions, h.forget)

	mux := http.NewServeMux()
	h.srv.Routes(mux)
	h.http = httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.srv.Shutdown(ctx)
		h.http.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/stream"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func subscribe(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "storeId": "store-1"}); err != nil {
		t.Fatal(err)
	}
	return readMessage(t, conn)
}

func TestSubscribeAndReceiveAlerts(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "op-token")

	confirmed := subscribe(t, conn)
	if confirmed["type"] != string(message.TypeSubscriptionConfirmed) || confirmed["storeId"] != "store-1" {
		t.Fatalf("confirmation = %v", confirmed)
	}

	subs := h.registry.Subscribers("store-1")
	if len(subs) != 1 {
		t.Fatalf("subscribers = %d, want 1", len(subs))
	}
	a := &alert.Alert{ID: "a1", StoreID: "store-1", Severity: alert.SeverityHigh, Title: "Theft"}
	if err := subs[0].Conn.Send(message.NewNotification(a, "", time.Now())); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := readMessage(t, conn)
	if got["type"] != string(message.TypeNotification) {
		t.Fatalf("message = %v", got)
	}
	if al, _ := got["alert"].(map[string]any); al["id"] != "a1" {
		t.Errorf("alert = %v", got["alert"])
	}
}

func TestUnauthenticatedSubscribeRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "")

	msg := subscribe(t, conn)
	if msg["type"] != string(message.TypeError) || msg["code"] != string(apperrors.KindAuthorization) {
		t.Errorf("message = %v, want authorization error", msg)
	}
	if h.registry.Count() != 0 {
		t.Error("unauthenticated client registered")
	}
}

func TestInvalidTokenRefused(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/stream?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() with invalid token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestActionsDispatched(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "op-token")

	tests := []struct {
		req  map[string]any
		want call
	}{
		{
			map[string]any{"type": "acknowledge", "alertId": "a1", "notes": "on it"},
			call{method: "acknowledge", alertID: "a1", arg: "on it"},
		},
		{
			map[string]any{"type": "dismiss", "alertId": "a2", "notes": "shadow"},
			call{method: "dismiss", alertID: "a2", arg: "shadow"},
		},
		{
			map[string]any{"type": "resolve", "alertId": "a3", "resolution": "apprehended"},
			call{method: "resolve", alertID: "a3", arg: "apprehended"},
		},
		{
			map[string]any{"type": "escalate", "alertId": "a4", "severity": "critical", "reason": "armed"},
			call{method: "escalate", alertID: "a4", arg: "critical:armed"},
		},
		{
			map[string]any{"type": "bulk_acknowledge", "alertIds": []string{"a5", "a6"}},
			call{method: "bulk_acknowledge", arg: "store-1", ids: []string{"a5", "a6"}},
		},
	}
	for i, tt := range tests {
		if err := conn.WriteJSON(tt.req); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "action "+tt.want.method, func() bool {
			h.actions.mu.Lock()
			defer h.actions.mu.Unlock()
			return len(h.actions.calls) == i+1
		})
		got := h.actions.last(t)
		if got.method != tt.want.method || got.alertID != tt.want.alertID || got.arg != tt.want.arg {
			t.Errorf("call %d = %+v, want %+v", i, got, tt.want)
		}
		if strings.Join(got.ids, ",") != strings.Join(tt.want.ids, ",") {
			t.Errorf("call %d ids = %v, want %v", i, got.ids, tt.want.ids)
		}
		if got.actor.UserID != "u1" || !got.actor.Authenticated {
			t.Errorf("call %d actor = %+v", i, got.actor)
		}
	}
}

func TestActionErrorsReturnedToClient(t *testing.T) {
	h := newHarness(t)
	h.actions.err = apperrors.NotFound("pipeline.acknowledge", "missing")
	conn := h.dial(t, "op-token")

	if err := conn.WriteJSON(map[string]any{"type": "acknowledge", "alertId": "missing"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != string(message.TypeError) || msg["code"] != string(apperrors.KindNotFound) {
		t.Errorf("message = %v, want not_found error", msg)
	}
}

func TestInvalidMessages(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "op-token")

	for _, raw := range []string{`not json`, `{"type":"teleport"}`, `{"type":"update_filters","filters":{}}`, `{"type":"unsubscribe"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
		msg := readMessage(t, conn)
		if msg["type"] != string(message.TypeError) || msg["code"] != string(apperrors.KindValidation) {
			t.Errorf("%s: message = %v, want validation error", raw, msg)
		}
	}
}

func TestUpdateFiltersAndUnsubscribe(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "op-token")
	subscribe(t, conn)

	if err := conn.WriteJSON(map[string]any{"type": "update_filters", "filters": map[string]any{"severity": []string{"critical"}}}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != string(message.TypeFiltersUpdated) {
		t.Fatalf("message = %v", msg)
	}
	sub, _ := h.registry.Get(h.registry.Subscribers("store-1")[0].ClientID)
	if len(sub.Filters.Severity) != 1 || sub.Filters.Severity[0] != alert.SeverityCritical {
		t.Errorf("filters = %+v", sub.Filters)
	}

	if err := conn.WriteJSON(map[string]any{"type": "unsubscribe"}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg["type"] != string(message.TypeUnsubscriptionConfirmed) {
		t.Errorf("message = %v", msg)
	}
	if h.registry.Count() != 0 {
		t.Error("client still registered after unsubscribe")
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "op-token")
	subscribe(t, conn)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	waitFor(t, "unregister", func() bool { return h.registry.Count() == 0 })
	waitFor(t, "forget", func() bool { return h.forget.count() == 1 })
	waitFor(t, "session end", func() bool { return h.srv.Sessions() == 0 })
}

func TestTokenAuth(t *testing.T) {
	auth := NewTokenAuth([]TokenConfig{{Token: "t1", UserID: "u1", StoreID: "s1", Role: "manager"}})

	tests := []struct {
		name     string
		header   string
		query    string
		wantAuth bool
		wantErr  bool
	}{
		{"bearer header", "Bearer t1", "", true, false},
		{"query param", "", "t1", true, false},
		{"no token", "", "", false, false},
		{"wrong token", "Bearer nope", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/stream?token="+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			p, err := auth.Authenticate(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if p.Authenticated != tt.wantAuth {
				t.Errorf("Authenticated = %v, want %v", p.Authenticated, tt.wantAuth)
			}
			if tt.wantAuth && (p.UserID != "u1" || p.StoreID != "s1" || p.Role != "manager") {
				t.Errorf("principal = %+v", p)
			}
		})
	}
}

func TestConnSendAfterClose(t *testing.T) {
	c := newConn("c1", nil, subscription.Principal{}, Config{SendBuffer: 1})
	if err := c.Send(message.NewError("x", "y")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := c.Send(message.NewError("x", "y")); err != ErrSendBufferFull {
		t.Fatalf("Send() on full buffer = %v, want ErrSendBufferFull", err)
	}
	if c.IsOpen() {
		t.Error("connection still open after overflow")
	}
	if err := c.Send(message.NewError("x", "y")); err != ErrClosed {
		t.Errorf("Send() after close = %v, want ErrClosed", err)
	}
}
