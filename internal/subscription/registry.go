package subscription

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "storewatch/internal/errors"
	"storewatch/internal/message"
	"storewatch/internal/metrics"
	"storewatch/internal/schema"
)

// Subscriber is a point-in-time view of one registered client.
type Subscriber struct {
	ClientID     string
	Conn         Connection
	Subscription Subscription
}

type entry struct {
	conn Connection
	sub  Subscription
}

// Registry indexes subscriptions by client and by store. It is safe for concurrent
// use; the indices are only changed through its methods.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*entry          // clientID -> entry
	stores  map[string]map[string]bool // storeID -> clientIDs

	validator *schema.Validator
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		clients:   make(map[string]*entry),
		stores:    make(map[string]map[string]bool),
		validator: schema.NewValidator(),
		metrics:   m,
		now:       time.Now,
	}
}

// Register subscribes a client. Unauthenticated connections, cross-store requests and
// malformed payloads are rejected with an error message sent to the connection; the
// same error is returned. Registering an existing client id replaces its subscription.
func (r *Registry) Register(clientID string, conn Connection, req Request) (Subscription, error) {
	const op = "subscribe"

	p := conn.Principal()
	if !p.Authenticated {
		err := apperrors.Authorization(op, "connection is not authenticated")
		r.reject(conn, clientID, err)
		return Subscription{}, err
	}
	if req.StoreID != p.StoreID {
		err := apperrors.Authorization(op, "not authorized for store "+req.StoreID)
		r.reject(conn, clientID, err)
		return Subscription{}, err
	}
	if err := r.validator.Struct(req); err != nil {
		verr := apperrors.Validation(op, "invalid subscription", err)
		r.reject(conn, clientID, verr)
		return Subscription{}, verr
	}

	sub := Subscription{
		ClientID:    clientID,
		UserID:      p.UserID,
		StoreID:     req.StoreID,
		Filters:     req.Filters.normalized(),
		Preferences: req.Preferences,
		CreatedAt:   r.now(),
	}
	if sub.Preferences.MaxAlertsPerMinute == 0 {
		sub.Preferences.MaxAlertsPerMinute = DefaultMaxAlertsPerMinute
	}

	r.mu.Lock()
	if old, ok := r.clients[clientID]; ok {
		r.unindexLocked(clientID, old.sub.StoreID)
	}
	r.clients[clientID] = &entry{conn: conn, sub: sub}
	ids, ok := r.stores[sub.StoreID]
	if !ok {
		ids = make(map[string]bool)
		r.stores[sub.StoreID] = ids
	}
	ids[clientID] = true
	total := len(r.clients)
	r.mu.Unlock()

	r.metrics.SetSubscribers(total)
	slog.Info("client subscribed",
		"client_id", clientID,
		"user_id", p.UserID,
		"store_id", sub.StoreID,
	)

	if err := conn.Send(message.SubscriptionConfirmed{
		Type:         message.TypeSubscriptionConfirmed,
		ClientID:     clientID,
		StoreID:      sub.StoreID,
		Subscription: sub.clone(),
	}); err != nil {
		slog.Warn("failed to confirm subscription", "client_id", clientID, "error", err)
	}
	return sub.clone(), nil
}

// Unregister removes the client from both indices. It reports whether the client was
// registered and is safe to call repeatedly.
func (r *Registry) Unregister(clientID string) bool {
	r.mu.Lock()
	e, ok := r.clients[clientID]
	if ok {
		r.unindexLocked(clientID, e.sub.StoreID)
		delete(r.clients, clientID)
	}
	total := len(r.clients)
	r.mu.Unlock()

	if ok {
		r.metrics.SetSubscribers(total)
		slog.Info("client unsubscribed", "client_id", clientID, "store_id", e.sub.StoreID)
	}
	return ok
}

// Unsubscribe unregisters the client and confirms it over the connection.
func (r *Registry) Unsubscribe(clientID string) bool {
	r.mu.RLock()
	e, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !r.Unregister(clientID) {
		return false
	}
	if e.conn.IsOpen() {
		if err := e.conn.Send(message.UnsubscriptionConfirmed{
			Type:     message.TypeUnsubscriptionConfirmed,
			ClientID: clientID,
		}); err != nil {
			slog.Warn("failed to confirm unsubscription", "client_id", clientID, "error", err)
		}
	}
	return true
}

// UpdateFilters replaces the client's filters atomically and notifies the client.
func (r *Registry) UpdateFilters(clientID string, filters Filters) (Subscription, error) {
	const op = "update_filters"

	if err := r.validator.Struct(filters); err != nil {
		verr := apperrors.Validation(op, "invalid filters", err)
		r.mu.RLock()
		e, ok := r.clients[clientID]
		r.mu.RUnlock()
		if ok {
			r.reject(e.conn, clientID, verr)
		}
		return Subscription{}, verr
	}

	r.mu.Lock()
	e, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return Subscription{}, apperrors.Validation(op, "client "+clientID+" is not subscribed", nil)
	}
	e.sub.Filters = filters.normalized()
	sub := e.sub.clone()
	conn := e.conn
	r.mu.Unlock()

	slog.Debug("subscription filters updated", "client_id", clientID)
	if err := conn.Send(message.FiltersUpdated{
		Type:    message.TypeFiltersUpdated,
		Filters: sub.Filters,
	}); err != nil {
		slog.Warn("failed to confirm filter update", "client_id", clientID, "error", err)
	}
	return sub, nil
}

// Get returns the client's subscription.
func (r *Registry) Get(clientID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.clients[clientID]
	if !ok {
		return Subscription{}, false
	}
	return e.sub.clone(), true
}

// Subscribers returns a snapshot of the clients subscribed to storeID, ordered by client id.
func (r *Registry) Subscribers(storeID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.stores[storeID]
	out := make([]Subscriber, 0, len(ids))
	for id := range ids {
		e := r.clients[id]
		out = append(out, Subscriber{ClientID: id, Conn: e.conn, Subscription: e.sub.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// StoreCount returns the number of clients subscribed to storeID.
func (r *Registry) StoreCount(storeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stores[storeID])
}

// Clear unregisters every client and returns how many there were.
func (r *Registry) Clear() int {
	r.mu.Lock()
	n := len(r.clients)
	r.clients = make(map[string]*entry)
	r.stores = make(map[string]map[string]bool)
	r.mu.Unlock()

	r.metrics.SetSubscribers(0)
	return n
}

func (r *Registry) unindexLocked(clientID, storeID string) {
	ids := r.stores[storeID]
	delete(ids, clientID)
	if len(ids) == 0 {
		delete(r.stores, storeID)
	}
}

func (r *Registry) reject(conn Connection, clientID string, err error) {
	slog.Warn("subscription rejected", "client_id", clientID, "error", err)
	if !conn.IsOpen() {
		return
	}
	msg := message.NewError(string(apperrors.KindOf(err)), apperrors.SafeMessage(err))
	if sendErr := conn.Send(msg); sendErr != nil {
		slog.Warn("failed to send error message", "client_id", clientID, "error", sendErr)
	}
}
