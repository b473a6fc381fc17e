// Package server is the protocol router: it terminates websocket
// connections, validates every inbound envelope against the shared secret,
// and dispatches tagged messages to the session registry and run controller.
// Protocol violations close the connection without a reply; past this
// boundary no component re-checks the token.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osheridan/pagepilot/pkg/actuator"
	"github.com/osheridan/pagepilot/pkg/config"
	"github.com/osheridan/pagepilot/pkg/observability"
	"github.com/osheridan/pagepilot/pkg/protocol"
	"github.com/osheridan/pagepilot/pkg/run"
	"github.com/osheridan/pagepilot/pkg/session"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
	sendBuffer    = 100
)

// Server routes inbound envelopes to sessions.
type Server struct {
	cfg        config.Config
	registry   *session.Registry
	controller *run.Controller
	log        *observability.Logger
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	loopbacks map[string]*actuator.Executor
}

// New creates a router for the given registry and controller.
func New(cfg config.Config, registry *session.Registry, controller *run.Controller, log *observability.Logger) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		controller: controller,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Token equality is the trust boundary.
			},
		},
		loopbacks: make(map[string]*actuator.Executor),
	}
}

// Routes builds the HTTP surface: the websocket endpoint plus health and
// metrics.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", s.HandleWebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// HandleWebSocket upgrades the connection and starts its pumps.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	p := &peer{
		conn: conn,
		send: make(chan protocol.Outbound, sendBuffer),
		done: make(chan struct{}),
	}

	observability.ActiveConnections.Inc()
	s.log.Info("connection established", slog.String("remote_addr", r.RemoteAddr))

	go p.writePump()
	go s.readPump(p)
}

// readPump consumes envelopes until the peer misbehaves or disconnects, then
// tears down every session bound to the connection.
func (s *Server) readPump(p *peer) {
	defer func() {
		p.close()
		observability.ActiveConnections.Dec()
		for _, sid := range p.boundSessions() {
			s.dropLoopback(sid)
			s.registry.Remove(sid)
		}
		s.log.Info("connection closed")
	}()

	_ = p.conn.SetReadDeadline(time.Now().Add(readDeadline))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read error", slog.String("error", err.Error()))
			}
			return
		}

		msg, err := protocol.ParseInbound(raw, s.cfg.SharedSecret)
		if err != nil {
			// Untrusted or broken peer: drop without a reply.
			reason := "malformed"
			if err == protocol.ErrBadToken {
				reason = "bad_token"
			}
			observability.EnvelopesRejected.WithLabelValues(reason).Inc()
			s.log.Warn("rejecting envelope", slog.String("reason", reason))
			return
		}
		s.dispatch(p, msg)
	}
}

// dispatch binds the session to this connection and routes one validated
// message.
func (s *Server) dispatch(p *peer, msg protocol.Inbound) {
	sid := msg.Session()
	if sid == "" {
		sid = session.GenerateSessionID("peer")
	}
	sess := s.registry.LookupOrCreate(sid)
	if p.bind(sid) {
		sess.SetSender(p)
		if s.cfg.Loopback {
			s.attachLoopback(sess)
		}
	}

	switch m := msg.(type) {
	case protocol.UserMessage:
		observability.EnvelopesReceived.WithLabelValues("user_message").Inc()
		if !s.controller.HandleUserMessage(sess, m.Text) {
			_ = sess.Send(protocol.AssistantFinal(sid, "Busy; try again shortly."))
		}
	case protocol.UserApproval:
		observability.EnvelopesReceived.WithLabelValues("user_approval").Inc()
		s.controller.HandleApproval(sess, m.ActionID, m.Approved)
	case protocol.Cancel:
		observability.EnvelopesReceived.WithLabelValues("cancel").Inc()
		s.controller.Cancel(sess)
	case protocol.ToolResult:
		observability.EnvelopesReceived.WithLabelValues("tool_result").Inc()
		s.controller.HandleToolResult(sess, m)
	}
}

// attachLoopback points the session's broker at an embedded actuator instead
// of the connected peer.
func (s *Server) attachLoopback(sess *session.Session) {
	exec := actuator.NewExecutor(s.log.WithSession(sess.ID))
	s.mu.Lock()
	s.loopbacks[sess.ID] = exec
	s.mu.Unlock()
	sess.Broker.SetTransport(actuator.NewLoopback(exec, sess.Broker.Settle))
}

func (s *Server) dropLoopback(sessionID string) {
	s.mu.Lock()
	delete(s.loopbacks, sessionID)
	s.mu.Unlock()
}

// peer is one websocket connection. All writes go through the send channel
// so the write pump is the only goroutine touching the socket for output.
type peer struct {
	conn *websocket.Conn
	send chan protocol.Outbound

	mu     sync.Mutex
	bound  []string
	closed bool
	done   chan struct{}
}

// Ready reports whether the connection still accepts envelopes.
func (p *peer) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Send enqueues one envelope for the write pump. A saturated buffer drops
// the envelope rather than blocking the caller.
func (p *peer) Send(env protocol.Outbound) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return protocol.NewError(protocol.CodeExtensionNotReady, "connection closed")
	}
	p.mu.Unlock()

	select {
	case p.send <- env:
		return nil
	default:
		return protocol.NewError(protocol.CodeExtensionNotReady, "send buffer saturated")
	}
}

// bind records that sid is served by this connection. Returns true on first
// sight.
func (p *peer) bind(sid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.bound {
		if b == sid {
			return false
		}
	}
	p.bound = append(p.bound, sid)
	return true
}

func (p *peer) boundSessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.bound))
	copy(out, p.bound)
	return out
}

func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
	_ = p.conn.Close()
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case env := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := p.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}
