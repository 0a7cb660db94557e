// Package stream implements the bidirectional bridge between a local TCP
// connection (the controller's accepted client connection, or the agent's
// dial into the target service) and a stream's Data frames: an inbound
// channel of decoded bytes, and a send callback for outbound payloads. It is the same bridge on both the
// controller and agent side of a stream; only which TCP connection it
// wraps differs.
package stream

import (
	"context"
	"encoding/base64"
	"net"
	"sync"
	"sync/atomic"
)

const readChunkSize = 8192

// Relay copies bytes between conn and a Data-frame dispatcher: bytes read
// from conn are base64-encoded and handed to send; bytes arriving on
// inbound (already base64-decoded by the caller's dispatcher) are written
// to conn. Grounded in the goroutine-pair-plus-done-channel shape used for
// TCP bridging across the pack's relay examples, adapted here to carry
// already-framed payloads instead of raw socket-to-socket copying.
type Relay struct {
	conn    net.Conn
	inbound <-chan []byte
	send    func(payloadBase64 string)
}

// New builds a Relay. inbound is closed by the caller when the peer sends
// stream_close or the session itself is torn down.
func New(conn net.Conn, inbound <-chan []byte, send func(payloadBase64 string)) *Relay {
	return &Relay{conn: conn, inbound: inbound, send: send}
}

// Run blocks until either direction hits EOF, a write error, or ctx is
// cancelled, then closes conn to unblock whichever side is still blocked
// and returns the byte counts moved in each direction.
func (r *Relay) Run(ctx context.Context) (bytesIn, bytesOut int64) {
	done := make(chan struct{})
	var closeOnce sync.Once
	closeAll := func() {
		closeOnce.Do(func() {
			close(done)
			r.conn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer closeAll()
		buf := make([]byte, readChunkSize)
		for {
			n, err := r.conn.Read(buf)
			if n > 0 {
				r.send(base64.StdEncoding.EncodeToString(buf[:n]))
				atomic.AddInt64(&bytesOut, int64(n))
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer closeAll()
		for {
			select {
			case data, ok := <-r.inbound:
				if !ok {
					return
				}
				if _, err := r.conn.Write(data); err != nil {
					return
				}
				atomic.AddInt64(&bytesIn, int64(len(data)))
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	return atomic.LoadInt64(&bytesIn), atomic.LoadInt64(&bytesOut)
}
