// Package client implements the connection manager shared by agent-role
// and controller-role processes: the reconnect loop, the websocket
// read/write plumbing, and the inbound message dispatcher that routes
// tunnel and stream frames to the right local handler. Agent and
// controller differ only in which messages they send first and how they
// react to a few message types — the supervisor, the bounded outbound
// queue, and the reconnect/backoff behavior are identical for both.
package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/protocol"
	"github.com/burrowhq/burrow/pkg/resilience"
)

// Role distinguishes an agent-role supervisor (registers, auto-accepts
// tunnel requests, dials local services) from a controller-role one
// (issues connect/stream_open, never registers).
type Role string

const (
	RoleAgent      Role = "agent"
	RoleController Role = "controller"
)

// Dialer opens a TCP connection to a target service. Production code uses
// net.Dialer.DialContext; tests substitute a fake to avoid touching real
// sockets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct{ d net.Dialer }

func (n netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

// remoteTarget is what an agent-role supervisor remembers about a session
// between receiving tunnel_request and any later stream_open for it —
// stream_open itself carries no host/port, only the IDs.
type remoteTarget struct {
	host string
	port uint16
}

// Supervisor is the connection manager for one agent-role or
// controller-role process. It owns exactly one websocket connection to
// the relay at a time and reconnects forever on drop.
type Supervisor struct {
	cfg    config.ClientConfig
	role   Role
	logger *slog.Logger
	dialer Dialer

	breaker *resilience.CircuitBreaker
	events  chan Event

	// runCtx spans the Supervisor's whole lifetime, independent of any one
	// websocket connection, and is the parent ctx handed to every
	// per-session task this Supervisor spawns (a local listener, an
	// agent-side stream relay). It is never itself what stops them on
	// disconnect — spec §3 requires every per-session task to be
	// cancelled when the connection drops, which resetConnectionState
	// does explicitly (via listenerCancel) rather than relying on ctx
	// cancellation, since runCtx is still live across a reconnect.
	runCtx context.Context

	mu       sync.RWMutex
	agentID  string
	connected bool
	ws       *websocket.Conn
	send     chan []byte

	tunnels         map[string]*Tunnel                // sessionID -> tunnel (outgoing in controller role, incoming in agent role)
	pendingConnects map[string][]*pendingConnect       // targetAgentID -> FIFO waiters (controller role)
	dataChannels    map[string]chan []byte             // "sessionID|streamID" -> send side of an unbounded inbound byte queue
	remoteTargets   map[string]remoteTarget            // sessionID -> dial target (agent role)
	listenerCancel  map[string]context.CancelFunc       // sessionID -> local listener's cancel (controller role)
}

// NewSupervisor builds a Supervisor. role determines whether it registers
// as an agent or behaves as a controller.
func NewSupervisor(cfg config.ClientConfig, role Role, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		role:   role,
		logger: logger,
		dialer: netDialer{},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         string(role),
			MaxFailures:  cfg.CircuitMaxFailures,
			ResetTimeout: cfg.CircuitResetTimeout,
			OnStateChange: func(name string, from, to resilience.CircuitState) {
				logger.Warn("reconnect circuit breaker state change", "role", name, "from", from, "to", to)
			},
		}),
		events:          make(chan Event, 64),
		tunnels:         make(map[string]*Tunnel),
		pendingConnects: make(map[string][]*pendingConnect),
		dataChannels:    make(map[string]chan []byte),
		remoteTargets:   make(map[string]remoteTarget),
		listenerCancel:  make(map[string]context.CancelFunc),
	}
}

// Run connects to the relay and serves until ctx is cancelled, reconnecting
// forever across failures — the relay may come back minutes or days later,
// and this loop is never allowed to give up waiting for it.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.breaker.Execute(func() error {
			return s.connectAndServe(ctx)
		})

		s.resetConnectionState()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn("relay connection lost", "role", s.role, "error", err)
		}

		delay := s.cfg.ReconnectDelay
		if s.breaker.State() == resilience.CircuitOpen {
			delay = s.cfg.CircuitResetTimeout
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) connectAndServe(ctx context.Context) error {
	s.mu.RLock()
	url := s.cfg.RelayURL
	s.mu.RUnlock()

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sendCh := make(chan []byte, s.cfg.OutboundQueueSize)

	s.mu.Lock()
	s.ws = ws
	s.send = sendCh
	s.mu.Unlock()

	if s.role == RoleAgent {
		if err := s.writeRaw(ctx, ws, protocol.NewRegister()); err != nil {
			return fmt.Errorf("send register: %w", err)
		}
		_, data, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("read register reply: %w", err)
		}
		reply, err := protocol.Unmarshal(data)
		if err != nil || reply.Type != protocol.TypeRegisterOK {
			return fmt.Errorf("unexpected register reply: %v", reply)
		}
		s.mu.Lock()
		s.agentID = reply.AgentID
		s.mu.Unlock()
		s.emit(EventRegistered, RegisteredData{AgentID: reply.AgentID})
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.emit(EventConnectionStatus, ConnectionStatusData{Connected: true})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		s.writeLoop(connCtx, ws, sendCh)
	}()

	var readErr error
	go func() {
		defer wg.Done()
		defer cancel()
		readErr = s.readLoop(connCtx, ws)
	}()

	go s.heartbeatLoop(connCtx)

	wg.Wait()

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.emit(EventConnectionStatus, ConnectionStatusData{Connected: false})

	return readErr
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueue(protocol.NewPing())
		}
	}
}

func (s *Supervisor) writeLoop(ctx context.Context, ws *websocket.Conn, sendCh chan []byte) {
	for {
		select {
		case data := <-sendCh:
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			s.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Supervisor) writeRaw(ctx context.Context, ws *websocket.Conn, msg *protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// enqueue queues an outbound frame. Every frame here is part of a
// reliable, ordered protocol, so none can be silently dropped without
// corrupting a tunnel or stream. If the outbound buffer is still full, the
// relay side isn't draining fast enough; the connection is torn down
// (which the reconnect loop in Run then recovers from) rather than
// dropping the frame or blocking the caller indefinitely (spec Open
// Question 3).
func (s *Supervisor) enqueue(msg *protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal outbound frame", "error", err)
		return
	}

	s.mu.RLock()
	ch := s.send
	ws := s.ws
	s.mu.RUnlock()
	if ch == nil {
		return // not connected
	}

	select {
	case ch <- data:
	default:
		s.logger.Warn("outbound queue full, disconnecting to recover")
		if ws != nil {
			ws.Close(websocket.StatusPolicyViolation, "outbound queue overflow")
		}
	}
}

// resetConnectionState performs the disconnect cleanup spec.md §3 requires:
// drop ws/send, clear data_channels and agent_tunnels (remoteTargets),
// cancel every per-session task, clear the tunnel list, and emit a UI
// update, in that order. None of this process's state survives a
// reconnect — a local listener opened for a tunnel is gone once the
// tunnel is, the same as every other per-session task; the controller's
// next successful connectAndServe starts from nothing; a live tunnel
// always corresponds to a still-open connection.
func (s *Supervisor) resetConnectionState() {
	s.mu.Lock()

	s.ws = nil
	s.send = nil

	for key, ch := range s.dataChannels {
		close(ch)
		delete(s.dataChannels, key)
	}
	s.remoteTargets = make(map[string]remoteTarget)

	for target, waiters := range s.pendingConnects {
		for _, w := range waiters {
			w.result <- pendingResult{err: fmt.Errorf("relay connection lost")}
		}
		delete(s.pendingConnects, target)
	}

	var cancels []context.CancelFunc
	for key, cancel := range s.listenerCancel {
		cancels = append(cancels, cancel)
		delete(s.listenerCancel, key)
	}
	s.tunnels = make(map[string]*Tunnel)

	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.emit(EventTunnelsUpdated, s.GetTunnels())
}

func dataKey(sessionID, streamID string) string {
	return sessionID + "|" + streamID
}

func decodePayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
