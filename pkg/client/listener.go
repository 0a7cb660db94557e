package client

import (
	"context"
	"fmt"
	"net"

	"github.com/burrowhq/burrow/pkg/protocol"
)

// OpenLocalListener binds a local TCP port and, for every connection it
// accepts, opens a new stream on sessionID: it mints a stream ID,
// pre-registers the inbound data channel, tells the relay about the new
// stream, and bridges the accepted socket to it. It runs until ctx is
// cancelled or the listener's accept loop errors.
//
// Binding happens synchronously so a caller can surface a port-unavailable
// error immediately instead of discovering it only via a later
// server-error event (spec §4.3).
func (s *Supervisor) OpenLocalListener(ctx context.Context, sessionID string, localPort int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		s.emit(EventServerError, ServerErrorData{Message: fmt.Sprintf("port %d unavailable: %v", localPort, err)})
		return fmt.Errorf("listen on 127.0.0.1:%d: %w", localPort, err)
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listenerCancel[sessionID] = cancel
	s.mu.Unlock()

	go s.acceptLoop(listenerCtx, ln, sessionID)
	return nil
}

func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener, sessionID string) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.logger.Debug("local listener accept ended", "session_id", sessionID, "error", err)
			return
		}

		streamID := protocol.NewStreamID()
		key := dataKey(sessionID, streamID)
		in, out := newUnboundedChan()

		// Pre-register before stream_open is sent: a Data frame for this
		// stream could arrive before this goroutine's relay is even
		// scheduled, and it must have somewhere to land (spec §4.3, §9).
		s.mu.Lock()
		s.dataChannels[key] = in
		s.mu.Unlock()

		s.enqueue(protocol.NewStreamOpen(sessionID, streamID))

		go s.runStreamRelay(ctx, sessionID, streamID, protocol.RoleController, conn, in, out)
	}
}
