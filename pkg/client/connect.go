package client

import (
	"context"
	"fmt"

	"github.com/burrowhq/burrow/pkg/protocol"
	"github.com/google/uuid"
)

// ConnectToAgent asks the relay to open a tunnel from this controller to
// targetAgentID's remote_host:remote_port and returns immediately with a
// placeholder session ID of the form "pending-<8hex>" (spec §6 client
// command surface). The placeholder is also the tunnel list's entry for
// this request, shown with status "connecting", until handleTunnelReady
// promotes it to the relay-assigned session ID and spawns the local
// listener — this call never blocks on the agent's reply.
func (s *Supervisor) ConnectToAgent(ctx context.Context, targetAgentID, remoteHost string, remotePort uint16, localPort int) (string, error) {
	if s.role != RoleController {
		return "", fmt.Errorf("ConnectToAgent is only valid for a controller-role supervisor")
	}

	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return "", fmt.Errorf("not connected to relay")
	}

	placeholderID := "pending-" + uuid.NewString()[:8]

	wait := &pendingConnect{
		remoteHost:    remoteHost,
		remotePort:    remotePort,
		localPort:     localPort,
		placeholderID: placeholderID,
		result:        make(chan pendingResult, 1),
	}

	s.mu.Lock()
	s.pendingConnects[targetAgentID] = append(s.pendingConnects[targetAgentID], wait)
	s.tunnels[placeholderID] = &Tunnel{
		SessionID:  placeholderID,
		AgentID:    targetAgentID,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		LocalPort:  localPort,
		Direction:  DirectionOutgoing,
		Status:     "connecting",
	}
	s.mu.Unlock()
	s.emit(EventTunnelsUpdated, s.GetTunnels())

	s.enqueue(protocol.NewConnect(targetAgentID, remoteHost, remotePort))

	return placeholderID, nil
}

// DisconnectTunnel tears down a tunnel this controller opened: the relay
// is told to close the session, and every local task still serving it
// (the listener, any in-flight streams) is cancelled immediately rather
// than left to drain on their own schedule.
func (s *Supervisor) DisconnectTunnel(sessionID string) {
	s.enqueue(protocol.NewTunnelClose(sessionID))

	s.mu.Lock()
	delete(s.tunnels, sessionID)
	cancel, hadListener := s.listenerCancel[sessionID]
	if hadListener {
		delete(s.listenerCancel, sessionID)
	}
	s.mu.Unlock()

	if hadListener {
		cancel()
	}
	s.emit(EventTunnelsUpdated, s.GetTunnels())
}
