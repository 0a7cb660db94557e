// Package relay implements the relay server's routing core: the single
// process every agent and controller connects to, which pairs up tunnel
// requests and shuttles every subsequent frame between the two peers of a
// session without ever inspecting stream payloads.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/protocol"
)

// Server is the relay's routing core: a registry of connected agents, the
// open sessions between them and controllers, and the websocket endpoint
// that drives both.
type Server struct {
	cfg     config.RelayConfig
	logger  *slog.Logger
	metrics *metrics.Registry
	audit   *audit.Logger

	mu  sync.RWMutex
	reg *registry

	httpSrv   *http.Server
	startedAt time.Time
}

// NewServer builds a relay server. auditStore may be audit.NopStore{} when
// no history sink is configured.
func NewServer(cfg config.RelayConfig, logger *slog.Logger, auditStore audit.Store) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewRegistry(),
		audit:   audit.NewLogger(auditStore),
		reg:     newRegistry(),
		startedAt: time.Now(),
	}
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/api/agents", withCORS(http.HandlerFunc(s.handleAgentsList)))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// withCORS allows any origin to read the REST convenience endpoint, per
// spec: the relay carries no authentication of its own.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds cfg.ListenAddr and serves the relay until ctx is cancelled,
// then shuts down gracefully. It returns nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the relay on an already-bound listener until ctx is
// cancelled. Tests use this to bind an ephemeral port and learn the
// chosen address, which Start (binding cfg.ListenAddr itself) doesn't expose.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler: s.buildMux(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		errCh <- s.httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown closes every registered agent connection and every controller
// connection that is party to an open session with a normal-closure status,
// then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.reg.agents {
		c.close(websocket.StatusNormalClosure, "relay shutting down")
	}
	for _, sess := range s.reg.sessions {
		if sess.controllerConn != nil {
			sess.controllerConn.close(websocket.StatusNormalClosure, "relay shutting down")
		}
	}
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	ctx := r.Context()
	c := newConn(r.RemoteAddr, ws, s.cfg.OutboundQueueSize, s.logger, s.metrics.IncBackpressureDisconnects)
	go c.writeLoop(ctx)

	defer s.cleanupConn(ctx, c)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			s.logger.Debug("dropping malformed frame", "error", err, "conn", c.id)
			continue
		}
		c.touch()

		switch c.kind {
		case kindUnknown:
			if !s.bootstrap(ctx, c, msg) {
				return
			}
		case kindAgent:
			s.handleAgentMessage(ctx, c, msg)
		case kindController:
			s.handleControllerMessage(ctx, c, msg)
		}
	}
}

// bootstrap classifies a freshly-connected socket by its first frame and
// returns false if the connection should be torn down.
func (s *Server) bootstrap(ctx context.Context, c *conn, msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeRegister:
		return s.registerAgent(ctx, c)
	case protocol.TypeConnect:
		c.kind = kindController
		s.handleControllerMessage(ctx, c, msg)
		return true
	default:
		c.enqueue(protocol.NewError("expected register or connect as the first message"))
		c.close(websocket.StatusPolicyViolation, "bad handshake")
		return false
	}
}

func (s *Server) registerAgent(ctx context.Context, c *conn) bool {
	s.mu.Lock()
	if len(s.reg.agents) >= s.cfg.MaxAgents {
		s.mu.Unlock()
		c.enqueue(protocol.NewError("relay at capacity, try again later"))
		c.close(websocket.StatusTryAgainLater, "at capacity")
		return false
	}

	c.kind = kindAgent
	c.agentID = protocol.NewAgentID()
	s.reg.agents[c.agentID] = c
	s.mu.Unlock()

	s.metrics.IncConnectedAgents()
	s.audit.LogAgentRegister(ctx, c.agentID, c.id)
	s.logger.Info("agent registered", "agent_id", c.agentID, "remote", c.id)
	c.enqueue(protocol.NewRegisterOK(c.agentID))
	return true
}

func (s *Server) handleAgentMessage(ctx context.Context, c *conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeTunnelAccept:
		s.mu.RLock()
		sess, ok := s.reg.sessions[msg.SessionID]
		s.mu.RUnlock()
		if !ok || sess.agentConn != c {
			return
		}
		sess.controllerConn.enqueue(protocol.NewTunnelReady(sess.id, sess.agentID))
		s.metrics.IncActiveSessions()
		s.audit.LogTunnelOpen(ctx, sess.agentID, sess.id, sess.remoteHost, sess.remotePort)

	case protocol.TypeStreamClose:
		// active_streams is counted from the controller side only (stream_open
		// is always controller-originated, in IncActiveStreams below): both
		// ends of a stream send their own stream_close at teardown — one
		// directly, one reciprocally — so decrementing here too would count
		// every stream twice and drive active_streams negative.
		s.forwardToController(msg, func(sess *session) bool { return sess.agentConn == c })

	case protocol.TypeData:
		s.forwardToController(msg, func(sess *session) bool { return sess.agentConn == c })
		s.metrics.AddBytesRelayed("agent_to_controller", int64(len(msg.Payload)))

	case protocol.TypeTunnelClose:
		s.closeSession(ctx, msg.SessionID, c, "agent closed tunnel")

	case protocol.TypePing:
		c.enqueue(protocol.NewPong())

	case protocol.TypePong:
		// touch() in the caller already recorded liveness.

	default:
		s.logger.Debug("ignoring unknown frame type from agent", "type", msg.Type, "agent_id", c.agentID)
	}
}

func (s *Server) handleControllerMessage(ctx context.Context, c *conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeConnect:
		s.mu.RLock()
		agentConn, ok := s.reg.agents[msg.TargetID]
		s.mu.RUnlock()
		if !ok {
			c.enqueue(protocol.NewError(fmt.Sprintf("Agent '%s' not found", msg.TargetID)))
			return
		}

		sess := &session{
			id:             protocol.NewSessionID(),
			agentID:        msg.TargetID,
			agentConn:      agentConn,
			controllerConn: c,
			remoteHost:     msg.RemoteHost,
			remotePort:     msg.RemotePort,
		}
		s.mu.Lock()
		s.reg.sessions[sess.id] = sess
		s.mu.Unlock()

		agentConn.enqueue(protocol.NewTunnelRequest(sess.id, msg.RemoteHost, msg.RemotePort))

	case protocol.TypeStreamOpen:
		s.forwardToAgent(msg, func(sess *session) bool { return sess.controllerConn == c })
		s.metrics.IncActiveStreams()
		s.audit.LogStreamOpen(ctx, msg.SessionID, msg.StreamID)

	case protocol.TypeData:
		s.forwardToAgent(msg, func(sess *session) bool { return sess.controllerConn == c })
		s.metrics.AddBytesRelayed("controller_to_agent", int64(len(msg.Payload)))

	case protocol.TypeStreamClose:
		s.forwardToAgent(msg, func(sess *session) bool { return sess.controllerConn == c })
		s.metrics.DecActiveStreams()
		s.audit.LogStreamClose(ctx, msg.SessionID, msg.StreamID, 0, 0)

	case protocol.TypeTunnelClose:
		s.closeSession(ctx, msg.SessionID, c, "controller closed tunnel")

	case protocol.TypePing:
		c.enqueue(protocol.NewPong())

	case protocol.TypePong:

	default:
		s.logger.Debug("ignoring unknown frame type from controller", "type", msg.Type)
	}
}

func (s *Server) forwardToController(msg *protocol.Message, owns func(*session) bool) {
	s.mu.RLock()
	sess, ok := s.reg.sessions[msg.SessionID]
	s.mu.RUnlock()
	if !ok || !owns(sess) {
		return
	}
	sess.controllerConn.enqueue(msg)
}

func (s *Server) forwardToAgent(msg *protocol.Message, owns func(*session) bool) {
	s.mu.RLock()
	sess, ok := s.reg.sessions[msg.SessionID]
	s.mu.RUnlock()
	if !ok || !owns(sess) {
		return
	}
	sess.agentConn.enqueue(msg)
}

// closeSession removes a session and notifies the peer that didn't
// initiate the close, so the peer learns about teardown immediately
// instead of discovering it lazily on its next frame.
func (s *Server) closeSession(ctx context.Context, sessionID string, from *conn, reason string) {
	s.mu.Lock()
	sess, ok := s.reg.sessions[sessionID]
	if ok {
		delete(s.reg.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	peer := sess.controllerConn
	if sess.controllerConn == from {
		peer = sess.agentConn
	}
	if peer != nil {
		peer.enqueue(protocol.NewTunnelClose(sess.id))
	}

	s.metrics.DecActiveSessions()
	s.audit.LogTunnelClose(ctx, sess.agentID, sess.id, reason)
}

// cleanupConn runs when a websocket connection drops, for whatever reason.
// Every session that referenced it is torn down and the surviving peer is
// notified — the relay never leaves a peer to discover a vanished tunnel
// only when its next write fails.
func (s *Server) cleanupConn(ctx context.Context, c *conn) {
	c.close(websocket.StatusNormalClosure, "")

	switch c.kind {
	case kindAgent:
		s.mu.Lock()
		delete(s.reg.agents, c.agentID)
		orphaned := s.reg.sessionsForAgent(c)
		for _, sess := range orphaned {
			delete(s.reg.sessions, sess.id)
		}
		s.mu.Unlock()

		s.metrics.DecConnectedAgents()
		s.audit.LogAgentDisconnect(ctx, c.agentID)
		s.logger.Info("agent disconnected", "agent_id", c.agentID)

		for _, sess := range orphaned {
			if sess.controllerConn != nil {
				sess.controllerConn.enqueue(protocol.NewTunnelClose(sess.id))
			}
			s.metrics.DecActiveSessions()
			s.audit.LogTunnelClose(ctx, sess.agentID, sess.id, "agent disconnected")
		}

	case kindController:
		s.mu.Lock()
		orphaned := s.reg.sessionsForController(c)
		for _, sess := range orphaned {
			delete(s.reg.sessions, sess.id)
		}
		s.mu.Unlock()

		for _, sess := range orphaned {
			if sess.agentConn != nil {
				sess.agentConn.enqueue(protocol.NewTunnelClose(sess.id))
			}
			s.metrics.DecActiveSessions()
			s.audit.LogTunnelClose(ctx, sess.agentID, sess.id, "controller disconnected")
		}
	}
}
