package client

// newUnboundedChan returns a send/receive channel pair bridged by a pump
// goroutine that buffers in a slice with no fixed capacity, instead of a
// Go channel's fixed buffer. A stream's inbound data path must never
// discard a decoded payload (spec §9 testable properties 2/3 — ordered,
// byte-for-byte delivery), so sends on the returned channel are never
// dropped, unlike the bounded, disconnect-on-overflow policy used for the
// outbound queue. This is the Go equivalent of the original's
// mpsc::unbounded_channel for each stream's inbound byte queue.
func newUnboundedChan() (chan []byte, chan []byte) {
	in := make(chan []byte)
	out := make(chan []byte)
	go pumpUnbounded(in, out)
	return in, out
}

func pumpUnbounded(in, out chan []byte) {
	defer close(out)
	var queue [][]byte
	for {
		if len(queue) == 0 {
			v, ok := <-in
			if !ok {
				return
			}
			queue = append(queue, v)
			continue
		}

		select {
		case v, ok := <-in:
			if !ok {
				for _, q := range queue {
					out <- q
				}
				return
			}
			queue = append(queue, v)
		case out <- queue[0]:
			queue = queue[1:]
		}
	}
}
