package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"storewatch/internal/alert"
	apperrors "storewatch/internal/errors"
	"storewatch/internal/message"
	"storewatch/internal/subscription"
)

// Config holds the websocket server configuration.
type Config struct {
	Path           string        `yaml:"path"`
	ReadLimit      int64         `yaml:"read_limit"`
	SendBuffer     int           `yaml:"send_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ActionTimeout  time.Duration `yaml:"action_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Tokens         []TokenConfig `yaml:"tokens"`
}

// DefaultConfig returns the default websocket configuration.
func DefaultConfig() Config {
	return Config{
		Path:          "/v1/stream",
		ReadLimit:     64 * 1024,
		SendBuffer:    256,
		WriteTimeout:  10 * time.Second,
		PongTimeout:   60 * time.Second,
		PingInterval:  54 * time.Second,
		ActionTimeout: 15 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("path is required")
	}
	if c.SendBuffer < 1 {
		return errors.New("send_buffer must be at least 1")
	}
	if c.PingInterval >= c.PongTimeout {
		return errors.New("ping_interval must be shorter than pong_timeout")
	}
	return nil
}

// Actions are the alert operations a client may invoke.
type Actions interface {
	Acknowledge(ctx context.Context, actor subscription.Principal, alertID string, action alert.AckAction, notes string) (*alert.Alert, error)
	Dismiss(ctx context.Context, actor subscription.Principal, alertID, notes string) (*alert.Alert, error)
	Resolve(ctx context.Context, actor subscription.Principal, alertID, resolution string) (*alert.Alert, error)
	BulkAcknowledge(ctx context.Context, actor subscription.Principal, storeID string, alertIDs []string) ([]string, error)
	Escalate(ctx context.Context, actor subscription.Principal, alertID string, sev alert.Severity, reason string) (*alert.Alert, error)
}

// Forgetter drops per-client delivery state.
type Forgetter interface {
	Forget(clientID string)
}

// Server upgrades HTTP requests to operator sessions.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	auth     Authenticator
	registry *subscription.Registry
	actions  Actions
	forget   Forgetter

	mu       sync.Mutex
	sessions map[string]*Conn
	wg       sync.WaitGroup
}

// NewServer creates a websocket server. forget may be nil.
func NewServer(cfg Config, auth Authenticator, registry *subscription.Registry, actions Actions, forget Forgetter) *Server {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}

	s := &Server{
		cfg:      cfg,
		auth:     auth,
		registry: registry,
		actions:  actions,
		forget:   forget,
		sessions: make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes registers the websocket endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+s.cfg.Path, s.ServeHTTP)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the session until the client leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, `{"success":false,"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(uuid.NewString(), wsConn, p, s.cfg)
	s.mu.Lock()
	s.sessions[c.id] = c
	s.mu.Unlock()
	s.wg.Add(1)

	slog.Info("client connected",
		"client_id", c.id,
		"user_id", p.UserID,
		"store_id", p.StoreID,
		"authenticated", p.Authenticated,
	)

	go c.writeLoop()
	s.readLoop(c)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every session and waits for them to end or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.sessions {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) readLoop(c *Conn) {
	defer s.end(c)

	c.ws.SetReadLimit(s.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}
		if !c.IsOpen() {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		if msgType != websocket.TextMessage {
			s.sendError(c, message.NewError(string(apperrors.KindValidation), "only text messages are supported"))
			continue
		}
		s.dispatch(c, data)
	}
}

// end tears the session down: the subscription and per-client limiter state go
// before the connection is closed.
func (s *Server) end(c *Conn) {
	s.registry.Unregister(c.id)
	if s.forget != nil {
		s.forget.Forget(c.id)
	}
	c.Close()

	s.mu.Lock()
	delete(s.sessions, c.id)
	s.mu.Unlock()
	s.wg.Done()

	slog.Info("client disconnected", "client_id", c.id, "user_id", c.principal.UserID)
}

func (s *Server) dispatch(c *Conn, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, message.NewError(string(apperrors.KindValidation), "invalid message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ActionTimeout)
	defer cancel()

	var err error
	switch req.Type {
	case TypeSubscribe:
		// The registry reports its own rejections to the client.
		_, _ = s.registry.Register(c.id, c, subscription.Request{
			StoreID:     req.StoreID,
			Filters:     req.Filters,
			Preferences: req.Preferences,
		})
		return
	case TypeUnsubscribe:
		if !s.registry.Unsubscribe(c.id) {
			err = apperrors.Validation(string(req.Type), "not subscribed", nil)
		}
	case TypeUpdateFilters:
		if _, ok := s.registry.Get(c.id); !ok {
			err = apperrors.Validation(string(req.Type), "not subscribed", nil)
			break
		}
		_, _ = s.registry.UpdateFilters(c.id, req.Filters)
		return
	case TypeAcknowledge:
		_, err = s.actions.Acknowledge(ctx, c.principal, req.AlertID, alert.ActionAcknowledge, req.Notes)
	case TypeDismiss:
		_, err = s.actions.Dismiss(ctx, c.principal, req.AlertID, req.Notes)
	case TypeResolve:
		resolution := req.Resolution
		if resolution == "" {
			resolution = req.Notes
		}
		_, err = s.actions.Resolve(ctx, c.principal, req.AlertID, resolution)
	case TypeBulkAcknowledge:
		storeID := req.StoreID
		if storeID == "" {
			storeID = c.principal.StoreID
		}
		_, err = s.actions.BulkAcknowledge(ctx, c.principal, storeID, req.AlertIDs)
	case TypeEscalate:
		_, err = s.actions.Escalate(ctx, c.principal, req.AlertID, req.Severity, req.Reason)
	default:
		err = apperrors.Validation("dispatch", fmt.Sprintf("unknown message type %q", req.Type), nil)
	}

	if err != nil {
		slog.Warn("client request failed",
			"client_id", c.id,
			"user_id", c.principal.UserID,
			"type", req.Type,
			"alert_id", req.AlertID,
			"error", err,
		)
		s.sendError(c, message.NewError(string(apperrors.KindOf(err)), apperrors.SafeMessage(err)))
	}
}

func (s *Server) sendError(c *Conn, msg message.Error) {
	if err := c.Send(msg); err != nil {
		slog.Debug("failed to send error message", "client_id", c.id, "error", err)
	}
}
