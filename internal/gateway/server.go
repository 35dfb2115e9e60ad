package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/hooks"
	"github.com/openclaw/openclaw/internal/memory"
	"github.com/openclaw/openclaw/internal/provider"
	"github.com/openclaw/openclaw/internal/session"
)

const maxFrameBytes = 1 << 20

// Handler serves one RPC method.
type Handler func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error)

// method pairs a handler with its required scope ("" = none).
type method struct {
	scope   string
	handler Handler
}

// Conn is the runtime record of one live connection.
type Conn struct {
	ID        string
	RemoteIP  string
	Principal string
	DeviceID  string
	PublicKey []byte
	Role      string
	Scopes    []string

	nonce  string
	origin string

	mu     sync.Mutex
	ws     *websocket.Conn
	open   bool
	authed bool
}

func (c *Conn) setAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

func (c *Conn) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// HasScope reports whether the connection was granted the scope.
func (c *Conn) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// writeFrame serializes and sends a frame; writers serialize on mu.
func (c *Conn) writeFrame(f *Frame) error {
	data, err := f.Serialize()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return clawerr.New(clawerr.KindConnectionFailed, "connection closed")
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return clawerr.Wrap(clawerr.KindConnectionFailed, "write frame", err)
	}
	return nil
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.open {
		c.open = false
		c.ws.Close()
	}
	c.mu.Unlock()
}

// Deps are the subsystems the RPC surface operates on.
type Deps struct {
	Sessions  *session.Manager
	Memory    *memory.Manager
	Channels  map[string]channels.Channel
	Providers map[string]provider.Provider
}

// Server is the control-plane gateway.
type Server struct {
	cfg             config.GatewayConfig
	auth            *Authenticator
	origin          *OriginPolicy
	requireOperator bool
	hooks           *hooks.Registry
	deps            Deps

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	mu      sync.Mutex
	running bool
	conns   map[string]*Conn
	methods map[string]method

	startedAt time.Time
}

// NewServer wires a gateway server. The hook registry may be shared
// with the channel pipeline.
func NewServer(cfg config.GatewayConfig, browser config.BrowserConfig, reg *hooks.Registry, deps Deps) *Server {
	s := &Server{
		cfg:             cfg,
		auth:            NewAuthenticator(cfg),
		origin:          NewOriginPolicy(browser),
		requireOperator: browser.RequireOperator,
		hooks:           reg,
		deps:            deps,
		conns:           make(map[string]*Conn),
		methods:         make(map[string]method),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return s.origin.CheckOrigin(r.Header.Get("Origin")) == nil
		},
	}
	s.registerBuiltins()
	return s
}

// RegisterMethod installs an RPC handler. An empty scope means any
// authenticated connection may call it.
func (s *Server) RegisterMethod(name, scope string, h Handler) {
	s.mu.Lock()
	s.methods[name] = method{scope: scope, handler: h}
	s.mu.Unlock()
}

// Methods lists registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.methods))
	for name := range s.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return clawerr.Wrap(clawerr.KindConnectionFailed, "bind gateway listener", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway serve failed", "error", err)
		}
	}()
	slog.Info("gateway listening", "addr", ln.Addr().String(), "auth", s.auth.Mode())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every live connection. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)

	s.mu.Lock()
	saturated := s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections
	s.mu.Unlock()
	if saturated {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	if err := s.origin.AcquireLoopback(remoteIP); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.origin.ReleaseLoopback(remoteIP)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", remoteIP, "error", err)
		return
	}

	conn := &Conn{
		ID:       uuid.NewString(),
		RemoteIP: remoteIP,
		nonce:    uuid.NewString(),
		origin:   r.Header.Get("Origin"),
		ws:       ws,
		open:     true,
	}
	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.mu.Unlock()
	defer func() {
		conn.close()
		s.mu.Lock()
		delete(s.conns, conn.ID)
		s.mu.Unlock()
	}()

	challenge, err := NewEvent("connect.challenge", map[string]any{
		"nonce": conn.nonce,
		"ts":    time.Now().UnixMilli(),
	})
	if err != nil || conn.writeFrame(challenge) != nil {
		return
	}

	s.readLoop(r.Context(), conn, trustedProxy(r, s.cfg.TrustedProxies))
}

// trustedProxy reports whether the request arrived via a configured
// trusted reverse proxy.
func trustedProxy(r *http.Request, proxies []string) bool {
	if r.Header.Get("X-Forwarded-For") == "" {
		return false
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	for _, p := range proxies {
		if p == host {
			return true
		}
	}
	return false
}

// readLoop processes frames in receive order. Until the connect
// handshake completes only the "connect" method is admissible.
func (s *Server) readLoop(ctx context.Context, conn *Conn, trusted bool) {
	conn.ws.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := ParseFrame(data)
		if err != nil {
			conn.writeFrame(NewErrorResponse("", err))
			continue
		}
		if frame.Type != FrameRequest {
			// Responses and events from clients are ignored.
			continue
		}

		if !conn.isAuthed() {
			if frame.Method != "connect" {
				conn.writeFrame(NewErrorResponse(frame.ID,
					clawerr.New(clawerr.KindUnauthorized, "connect required")))
				return
			}
			if !s.handleConnect(ctx, conn, frame, trusted) {
				return
			}
			continue
		}

		s.dispatch(ctx, conn, frame)
	}
}

// handleConnect validates the handshake; any failure sends the error
// response and signals the caller to close the connection.
func (s *Server) handleConnect(ctx context.Context, conn *Conn, frame *Frame, trusted bool) bool {
	params, err := decodeConnectParams(frame.Params)
	if err == nil {
		var res *HandshakeResult
		res, err = validateConnect(ctx, s.auth, params, conn.nonce, conn.RemoteIP, trusted)
		// Browser connections carry an Origin header; when the policy
		// demands an operator, every other role is refused.
		if err == nil && s.requireOperator && conn.origin != "" && res.Role != "operator" {
			err = clawerr.Newf(clawerr.KindUnauthorized,
				"browser connections require the operator role, got %q", res.Role)
		}
		if err == nil {
			conn.Principal = res.Principal
			conn.DeviceID = res.DeviceID
			conn.PublicKey = res.PublicKey
			conn.Role = res.Role
			conn.Scopes = res.Scopes
			conn.setAuthed()
			reply, rerr := NewResponse(frame.ID, helloOK())
			if rerr != nil {
				return false
			}
			return conn.writeFrame(reply) == nil
		}
	}
	slog.Warn("handshake rejected", "remote", conn.RemoteIP, "error", err)
	conn.writeFrame(NewErrorResponse(frame.ID, err))
	return false
}

// dispatch runs one authenticated request through hooks and its handler.
func (s *Server) dispatch(ctx context.Context, conn *Conn, frame *Frame) {
	s.mu.Lock()
	m, ok := s.methods[frame.Method]
	s.mu.Unlock()
	if !ok {
		conn.writeFrame(NewErrorResponse(frame.ID,
			clawerr.Newf(clawerr.KindNotFound, "unknown method %q", frame.Method)))
		return
	}
	if m.scope != "" && !conn.HasScope(m.scope) {
		conn.writeFrame(NewErrorResponse(frame.ID,
			clawerr.Newf(clawerr.KindUnauthorized, "method %q requires scope %q", frame.Method, m.scope)))
		return
	}

	hctx := s.hooks.RunBefore(frame.Method, hooks.Context{
		"method": frame.Method,
		"params": frame.Params,
		"conn":   conn.ID,
	})
	params := frame.Params
	if p, ok := hctx["params"].(json.RawMessage); ok {
		params = p
	}

	result, err := m.handler(ctx, conn, params)
	after := hooks.Context{"method": frame.Method, "conn": conn.ID, "success": err == nil}
	if err == nil {
		after["result"] = result
	} else {
		after["error"] = err.Error()
	}
	hctx = s.hooks.RunAfter(frame.Method, after)
	if r, ok := hctx["result"]; ok && err == nil {
		result = r
	}

	if err != nil {
		conn.writeFrame(NewErrorResponse(frame.ID, err))
		return
	}
	reply, rerr := NewResponse(frame.ID, result)
	if rerr != nil {
		conn.writeFrame(NewErrorResponse(frame.ID, rerr))
		return
	}
	conn.writeFrame(reply)
}

// Broadcast sends an event frame to every open connection; connections
// that fail the write are closed and removed.
func (s *Server) Broadcast(event string, payload any) {
	frame, err := NewEvent(event, payload)
	if err != nil {
		slog.Warn("dropping unserializable broadcast", "event", event, "error", err)
		return
	}
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.isAuthed() {
			continue
		}
		if err := c.writeFrame(frame); err != nil {
			c.close()
			s.mu.Lock()
			delete(s.conns, c.ID)
			s.mu.Unlock()
		}
	}
}
