package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/burrowhq/burrow/pkg/protocol"
)

// connKind distinguishes the two roles a websocket connection can take on
// the relay server, determined by the first message it sends: "register"
// makes it an agent connection, "connect" makes it a controller
// connection, and any other first message gets the connection closed.
type connKind int

const (
	kindUnknown connKind = iota
	kindAgent
	kindController
)

// conn wraps one relay-side websocket connection: a reader loop feeding the
// server's dispatcher, and a writer loop draining a bounded outbound queue.
// The queue exists so a slow or wedged peer can never stall every other
// session being routed through this process — once full, the connection
// is closed rather than blocking the router or dropping a frame out of
// the reliable wire protocol (spec Open Question 3).
type conn struct {
	id     string
	kind   connKind
	agentID string // populated once this conn completes registration

	ws     *websocket.Conn
	logger *slog.Logger

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	lastSeen time.Time

	onDropped func()
}

func newConn(id string, ws *websocket.Conn, queueSize int, logger *slog.Logger, onDropped func()) *conn {
	return &conn{
		id:        id,
		ws:        ws,
		logger:    logger,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		lastSeen:  time.Now(),
		onDropped: onDropped,
	}
}

// enqueue queues a message for delivery. Every frame on this connection is
// part of a reliable, ordered protocol — a stream_open, a data chunk, a
// tunnel_close — so none of them can be silently dropped without
// corrupting whatever session or stream they belong to. If the outbound
// buffer is still full when a frame needs to go out, the peer on the
// other end is not draining fast enough to keep up, and the only
// integrity-preserving move is to treat it as gone: close the connection
// (its normal cleanup path then tears down every session it was party to)
// rather than dropping the frame or blocking the caller indefinitely.
func (c *conn) enqueue(msg *protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound frame", "error", err, "conn", c.id)
		return
	}

	select {
	case c.send <- data:
	default:
		if c.onDropped != nil {
			c.onDropped()
		}
		c.logger.Warn("outbound queue full, disconnecting slow peer", "conn", c.id)
		c.close(websocket.StatusPolicyViolation, "outbound queue overflow")
	}
}

// writeLoop drains the outbound queue until the connection is closed.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-c.send:
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *conn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(status, reason)
	})
}
