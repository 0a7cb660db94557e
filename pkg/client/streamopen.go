package client

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/burrowhq/burrow/pkg/protocol"
	"github.com/burrowhq/burrow/pkg/stream"
)

// dialTimeout bounds how long the agent side waits for the target service
// to accept a connection before reporting the stream as failed.
const dialTimeout = 10 * time.Second

// handleStreamOpen runs on the agent side of a tunnel. The data channel is
// pre-registered before the dial even starts, not just before the relay
// goroutine is spawned: any Data frame that arrives while the dial is
// still in flight must still have somewhere to land (spec §4.5, §9 —
// pre-registration is a correctness property, not an optimization).
func (s *Supervisor) handleStreamOpen(msg *protocol.Message) {
	s.mu.RLock()
	target, ok := s.remoteTargets[msg.SessionID]
	runCtx := s.runCtx
	s.mu.RUnlock()
	if !ok {
		s.enqueue(protocol.NewStreamClose(msg.SessionID, msg.StreamID))
		return
	}

	key := dataKey(msg.SessionID, msg.StreamID)
	in, out := newUnboundedChan()
	s.mu.Lock()
	s.dataChannels[key] = in
	s.mu.Unlock()

	go s.dialAndRelay(runCtx, msg.SessionID, msg.StreamID, target, in, out)
}

func (s *Supervisor) dialAndRelay(ctx context.Context, sessionID, streamID string, target remoteTarget, in, out chan []byte) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	address := net.JoinHostPort(target.host, strconv.Itoa(int(target.port)))
	conn, err := s.dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		s.logger.Warn("agent dial failed", "target", address, "session_id", sessionID, "stream_id", streamID, "error", err)
		s.removeDataChannel(sessionID, streamID, in)
		s.enqueue(protocol.NewStreamClose(sessionID, streamID))
		return
	}

	s.runStreamRelay(ctx, sessionID, streamID, protocol.RoleAgent, conn, in, out)
}

// runStreamRelay drives one stream's bidirectional bridge until either
// direction ends, then performs the shared teardown: drop the
// pre-registered data channel, stop its unbounded-queue pump, and notify
// the peer with stream_close (spec §4.4).
func (s *Supervisor) runStreamRelay(ctx context.Context, sessionID, streamID string, role protocol.Role, conn net.Conn, in, out chan []byte) {
	defer conn.Close()

	r := stream.New(conn, out, func(payload string) {
		s.enqueue(protocol.NewData(sessionID, streamID, role, payload))
	})
	r.Run(ctx)

	s.removeDataChannel(sessionID, streamID, in)
	s.enqueue(protocol.NewStreamClose(sessionID, streamID))
}

// removeDataChannel drops this stream's dataChannels entry if it's still
// ours (a fresher registration under the same key, or a close that beat
// us to it, both win instead) and closes in — the send side of the
// stream's unbounded queue — exactly once, only when we were the one to
// remove it. A stream_close received from the peer can race this same
// cleanup via handleStreamClose; whichever of the two deletes the entry
// first is the one responsible for closing in, so the channel is never
// closed twice.
func (s *Supervisor) removeDataChannel(sessionID, streamID string, in chan []byte) {
	key := dataKey(sessionID, streamID)
	s.mu.Lock()
	ch, ok := s.dataChannels[key]
	owned := ok && ch == in
	if owned {
		delete(s.dataChannels, key)
	}
	s.mu.Unlock()

	if owned {
		close(in)
	}
}
