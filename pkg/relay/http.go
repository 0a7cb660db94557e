package relay

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// agentSummary is one entry of the GET /api/agents response: spec §6
// specifies the shape as `[{agent_id: "XXXX-XXXX"}, …]`, not a bare array
// of strings or an object wrapping one.
type agentSummary struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleAgentsList(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.reg.agents))
	for id := range s.reg.agents {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	agents := make([]agentSummary, len(ids))
	for i, id := range ids {
		agents[i] = agentSummary{AgentID: id}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agents)
}

type healthResponse struct {
	Status          string  `json:"status"`
	ConnectedAgents int     `json:"connected_agents"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	connected := len(s.reg.agents)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:          "ok",
		ConnectedAgents: connected,
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
	})
}
