// Package metrics tracks relay server counters and gauges and exposes them
// in Prometheus text exposition format. Like the teacher repo's
// observability package, this reaches for no metrics client library: every
// value is a plain atomic int64, and /metrics formatting is hand-rolled
// fmt.Fprintf calls.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry holds every counter/gauge the relay server reports.
type Registry struct {
	connectedAgents       atomic.Int64
	activeSessions        atomic.Int64
	activeStreams         atomic.Int64
	backpressureDisconnects atomic.Int64

	mu           sync.Mutex
	bytesRelayed map[string]*atomic.Int64 // direction -> total
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bytesRelayed: make(map[string]*atomic.Int64)}
}

func (r *Registry) IncConnectedAgents() { r.connectedAgents.Add(1) }
func (r *Registry) DecConnectedAgents() { r.connectedAgents.Add(-1) }

func (r *Registry) IncActiveSessions() { r.activeSessions.Add(1) }
func (r *Registry) DecActiveSessions() { r.activeSessions.Add(-1) }

func (r *Registry) IncActiveStreams() { r.activeStreams.Add(1) }
func (r *Registry) DecActiveStreams() { r.activeStreams.Add(-1) }

// IncBackpressureDisconnects counts connections the relay closed because
// their outbound queue filled up — the peer wasn't draining frames fast
// enough to keep up, so it was dropped instead of silently dropping a
// frame out of the reliable wire protocol.
func (r *Registry) IncBackpressureDisconnects() { r.backpressureDisconnects.Add(1) }

// AddBytesRelayed accumulates n bytes under the given direction label
// ("agent_to_controller" or "controller_to_agent").
func (r *Registry) AddBytesRelayed(direction string, n int64) {
	r.mu.Lock()
	counter, ok := r.bytesRelayed[direction]
	if !ok {
		counter = &atomic.Int64{}
		r.bytesRelayed[direction] = counter
	}
	r.mu.Unlock()
	counter.Add(n)
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(w, "# HELP burrow_connected_agents Agents currently registered with the relay.\n")
		fmt.Fprintf(w, "# TYPE burrow_connected_agents gauge\n")
		fmt.Fprintf(w, "burrow_connected_agents %d\n", r.connectedAgents.Load())

		fmt.Fprintf(w, "# HELP burrow_active_sessions Tunnel sessions currently open.\n")
		fmt.Fprintf(w, "# TYPE burrow_active_sessions gauge\n")
		fmt.Fprintf(w, "burrow_active_sessions %d\n", r.activeSessions.Load())

		fmt.Fprintf(w, "# HELP burrow_active_streams Streams currently relaying data.\n")
		fmt.Fprintf(w, "# TYPE burrow_active_streams gauge\n")
		fmt.Fprintf(w, "burrow_active_streams %d\n", r.activeStreams.Load())

		fmt.Fprintf(w, "# HELP burrow_backpressure_disconnects_total Connections closed because their outbound queue overflowed.\n")
		fmt.Fprintf(w, "# TYPE burrow_backpressure_disconnects_total counter\n")
		fmt.Fprintf(w, "burrow_backpressure_disconnects_total %d\n", r.backpressureDisconnects.Load())

		fmt.Fprintf(w, "# HELP burrow_bytes_relayed_total Bytes relayed between agent and controller streams.\n")
		fmt.Fprintf(w, "# TYPE burrow_bytes_relayed_total counter\n")
		r.mu.Lock()
		directions := make([]string, 0, len(r.bytesRelayed))
		for d := range r.bytesRelayed {
			directions = append(directions, d)
		}
		sort.Strings(directions)
		for _, d := range directions {
			fmt.Fprintf(w, "burrow_bytes_relayed_total{direction=%q} %d\n", d, r.bytesRelayed[d].Load())
		}
		r.mu.Unlock()
	})
}
