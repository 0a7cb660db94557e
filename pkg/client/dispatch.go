package client

import (
	"github.com/burrowhq/burrow/pkg/protocol"
)

// dispatch routes one inbound frame to the right handler. Message types
// that don't apply to this process's role (e.g. a controller receiving
// tunnel_request) are never sent by a correct relay and are ignored here
// rather than treated as protocol errors. Handlers that spawn long-lived
// work (a stream relay, a local listener) root it in s.runCtx rather than
// any argument here, since none of this dispatcher's callers carry a
// context that outlives the current websocket connection.
func (s *Supervisor) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeTunnelRequest:
		if s.role == RoleAgent {
			s.handleTunnelRequest(msg)
		}

	case protocol.TypeTunnelReady:
		if s.role == RoleController {
			s.handleTunnelReady(msg)
		}

	case protocol.TypeTunnelClose:
		s.handleTunnelClose(msg)

	case protocol.TypeStreamOpen:
		if s.role == RoleAgent {
			s.handleStreamOpen(msg)
		}

	case protocol.TypeStreamClose:
		s.handleStreamClose(msg)

	case protocol.TypeData:
		s.handleData(msg)

	case protocol.TypePing:
		s.enqueue(protocol.NewPong())

	case protocol.TypePong:
		// heartbeat acknowledged; nothing to do.

	case protocol.TypeError:
		s.logger.Warn("relay reported an error", "message", msg.Message)
		s.emit(EventServerError, ServerErrorData{Message: msg.Message})

	default:
		s.logger.Debug("ignoring unknown frame type", "type", msg.Type)
	}
}

func (s *Supervisor) handleTunnelRequest(msg *protocol.Message) {
	s.mu.Lock()
	s.remoteTargets[msg.SessionID] = remoteTarget{host: msg.RemoteHost, port: msg.RemotePort}
	s.tunnels[msg.SessionID] = &Tunnel{
		SessionID:  msg.SessionID,
		AgentID:    s.agentID,
		RemoteHost: msg.RemoteHost,
		RemotePort: msg.RemotePort,
		LocalPort:  0,
		Direction:  DirectionIncoming,
		Status:     "active",
	}
	s.mu.Unlock()

	s.enqueue(protocol.NewTunnelAccept(msg.SessionID))
	s.emit(EventTunnelsUpdated, s.GetTunnels())
}

func (s *Supervisor) handleTunnelReady(msg *protocol.Message) {
	s.mu.Lock()
	waiters := s.pendingConnects[msg.TargetAgentID]
	var w *pendingConnect
	if len(waiters) > 0 {
		w = waiters[0]
		s.pendingConnects[msg.TargetAgentID] = waiters[1:]
		if len(s.pendingConnects[msg.TargetAgentID]) == 0 {
			delete(s.pendingConnects, msg.TargetAgentID)
		}
	}
	if w != nil {
		delete(s.tunnels, w.placeholderID)
		s.tunnels[msg.SessionID] = &Tunnel{
			SessionID:  msg.SessionID,
			AgentID:    msg.TargetAgentID,
			RemoteHost: w.remoteHost,
			RemotePort: w.remotePort,
			LocalPort:  w.localPort,
			Direction:  DirectionOutgoing,
			Status:     "active",
		}
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	if w == nil {
		return
	}

	w.result <- pendingResult{sessionID: msg.SessionID}
	s.emit(EventTunnelsUpdated, s.GetTunnels())

	if err := s.OpenLocalListener(runCtx, msg.SessionID, w.localPort); err != nil {
		s.logger.Warn("failed to open local listener for tunnel", "session_id", msg.SessionID, "local_port", w.localPort, "error", err)
	}
}

func (s *Supervisor) handleTunnelClose(msg *protocol.Message) {
	s.mu.Lock()
	delete(s.tunnels, msg.SessionID)
	delete(s.remoteTargets, msg.SessionID)
	var orphaned []chan []byte
	prefix := msg.SessionID + "|"
	for key, ch := range s.dataChannels {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			orphaned = append(orphaned, ch)
			delete(s.dataChannels, key)
		}
	}
	cancel, hadListener := s.listenerCancel[msg.SessionID]
	if hadListener {
		delete(s.listenerCancel, msg.SessionID)
	}
	s.mu.Unlock()

	if hadListener {
		cancel()
	}
	for _, ch := range orphaned {
		close(ch)
	}
	s.emit(EventTunnelsUpdated, s.GetTunnels())
}

func (s *Supervisor) handleStreamClose(msg *protocol.Message) {
	key := dataKey(msg.SessionID, msg.StreamID)
	s.mu.Lock()
	ch, ok := s.dataChannels[key]
	if ok {
		delete(s.dataChannels, key)
	}
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *Supervisor) handleData(msg *protocol.Message) {
	decoded, err := decodePayload(msg.Payload)
	if err != nil {
		s.logger.Debug("dropping data frame with bad payload", "error", err)
		return
	}

	key := dataKey(msg.SessionID, msg.StreamID)
	s.mu.RLock()
	ch, ok := s.dataChannels[key]
	s.mu.RUnlock()
	if !ok {
		// arrived after the stream closed, or before stream_open was
		// processed locally — the pre-registration discipline on the
		// sending side means this should only happen post-close.
		return
	}

	// ch is the send side of an unbounded bridge (newUnboundedChan): it
	// never blocks for long enough to matter and never drops a frame, so
	// a slow stream consumer can't corrupt another stream's byte order by
	// starving the dispatcher (spec §9 testable properties 2, 3).
	ch <- decoded
}
